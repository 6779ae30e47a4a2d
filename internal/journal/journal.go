// Package journal implements the Position Journal (C9): an append-only
// durable record of every filled order and every skipped window, used
// to repopulate outstanding exposure across restarts and to hand
// pending redemptions to the external redemption worker.
//
// Durability follows spec.md §4.9's "file with fsynced appends" option
// literally: every entry is written to a newline-delimited JSON file
// and fsynced before the call returns. A SQL table (sqlite by default,
// postgres by DSN, grounded on teacher's internal/database/database.go
// sniffing) mirrors the same facts for querying; if the table is empty
// on startup it is rebuilt from the append log rather than trusted as
// the source of truth.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ResolutionStatus tracks whether a filled position's market has
// resolved and, if so, which way.
type ResolutionStatus string

const (
	ResolutionPending ResolutionStatus = "pending"
	ResolutionWon     ResolutionStatus = "won"
	ResolutionLost    ResolutionStatus = "lost"
)

// RedemptionStatus tracks the external redemption worker's progress on
// a won position. Skip rows and lost positions are NotApplicable.
type RedemptionStatus string

const (
	RedemptionNotApplicable RedemptionStatus = "not_applicable"
	RedemptionPending       RedemptionStatus = "pending"
	RedemptionRedeemed      RedemptionStatus = "redeemed"
)

// Entry is the spec's JournalEntry: (condition-id, token-id, side,
// cost, filled-size, filled-at, resolution-status, redemption-status,
// redemption-tx?), generalized from teacher's ArbTrade model. Rows with
// FilledSize zero are reason-only skip rows (§7: "Risk-gate rejection
// ... skip window (structured log + journal reason row)").
type Entry struct {
	ID          string `gorm:"primaryKey"`
	Symbol      string `gorm:"index"`
	WindowStart int64  `gorm:"index"`

	ConditionID string
	TokenID     string
	Side        string // "Up" or "Down"; empty for a gate-rejection skip row.

	Cost        decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledSize  decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledPrice decimal.Decimal `gorm:"type:decimal(10,6)"`
	FilledAt    time.Time

	ExternalOrderID string

	ResolutionStatus ResolutionStatus `gorm:"index"`
	RedemptionStatus RedemptionStatus `gorm:"index"`
	RedemptionTx     string

	// Simulated marks a SimulatedFill row produced by paper-trading
	// mode instead of a live submission.
	Simulated bool

	// Reason is set on skip rows; empty for real fills.
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal owns both the fsynced append log and the SQL mirror.
type Journal struct {
	mu         sync.Mutex
	appendFile *os.File
	db         *gorm.DB
}

// Open opens (creating if absent) the append log at appendPath and the
// SQL mirror at dsn, sniffing the DSN the same way teacher's
// database.New does: a postgres:// prefix selects gorm's postgres
// driver, anything else is treated as a sqlite file path.
func Open(dsn, appendPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(appendPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(appendPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				_ = f.Close()
				return nil, mkErr
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = f.Close()
		return nil, err
	}

	j := &Journal{appendFile: f, db: db}
	if err := j.rebuildIfEmpty(appendPath); err != nil {
		log.Warn().Err(err).Msg("journal: SQL mirror rebuild from append log failed, continuing on append log alone")
	}
	return j, nil
}

// rebuildIfEmpty repopulates the SQL mirror from the append log when
// the table is empty, so a fresh or corrupted SQL file never loses
// history the append log still has.
func (j *Journal) rebuildIfEmpty(appendPath string) error {
	var count int64
	if err := j.db.Model(&Entry{}).Count(&count).Error; err != nil || count > 0 {
		return err
	}

	f, err := os.Open(appendPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	rebuilt := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn().Err(err).Msg("journal: skipping malformed append-log line during rebuild")
			continue
		}
		if err := j.db.Create(&e).Error; err != nil {
			log.Warn().Err(err).Str("entry_id", e.ID).Msg("journal: failed to mirror rebuilt entry into SQL")
			continue
		}
		rebuilt++
	}
	if rebuilt > 0 {
		log.Info().Int("entries", rebuilt).Msg("journal: rebuilt SQL mirror from append log")
	}
	return scanner.Err()
}

// Record appends entry to the durable log (fsynced before return) and
// then best-effort mirrors it into the SQL table. The append log is
// the source of truth; a SQL mirror failure is logged, not returned,
// since the entry is already durable.
func (j *Journal) Record(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.ResolutionStatus == "" {
		e.ResolutionStatus = ResolutionPending
	}
	if e.RedemptionStatus == "" {
		e.RedemptionStatus = RedemptionNotApplicable
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	line = append(line, '\n')
	if _, err := j.appendFile.Write(line); err != nil {
		return Entry{}, err
	}
	if err := j.appendFile.Sync(); err != nil {
		return Entry{}, err
	}

	if err := j.db.Create(&e).Error; err != nil {
		log.Warn().Err(err).Str("entry_id", e.ID).Msg("journal: SQL mirror write failed, append log still has it")
	}
	return e, nil
}

// RecordFill journals a filled (or partially filled) sweep submission.
func (j *Journal) RecordFill(symbol string, windowStart int64, conditionID, tokenID, side string, cost, filledSize, filledPrice decimal.Decimal, filledAt time.Time, externalOrderID string, simulated bool) (Entry, error) {
	return j.Record(Entry{
		Symbol:          symbol,
		WindowStart:     windowStart,
		ConditionID:     conditionID,
		TokenID:         tokenID,
		Side:            side,
		Cost:            cost,
		FilledSize:      filledSize,
		FilledPrice:     filledPrice,
		FilledAt:        filledAt,
		ExternalOrderID: externalOrderID,
		Simulated:       simulated,
	})
}

// RecordSkip journals a reason-only row for a window the risk gate (or
// an earlier stage) rejected: no OrderIntent was ever built, per P4.
func (j *Journal) RecordSkip(symbol string, windowStart int64, reason string) (Entry, error) {
	return j.Record(Entry{
		Symbol:           symbol,
		WindowStart:      windowStart,
		Reason:           reason,
		ResolutionStatus: ResolutionPending,
		RedemptionStatus: RedemptionNotApplicable,
	})
}

// OutstandingCost sums Cost across every fill (Simulated or not) whose
// position has not yet been redeemed or marked lost, for repopulating
// the risk gate's position cap on startup.
func (j *Journal) OutstandingCost() (decimal.Decimal, error) {
	var entries []Entry
	err := j.db.Where("filled_size > 0 AND redemption_status != ?", string(RedemptionRedeemed)).
		Where("resolution_status != ?", string(ResolutionLost)).
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Cost)
	}
	return total, nil
}

// PendingRedemptions returns every won entry awaiting redemption, for
// the external redemption worker named in §6's CLI note.
func (j *Journal) PendingRedemptions() ([]Entry, error) {
	var entries []Entry
	err := j.db.Where("resolution_status = ? AND redemption_status = ?", string(ResolutionWon), string(RedemptionPending)).
		Find(&entries).Error
	return entries, err
}

// MarkResolved updates a fill's resolution outcome once the market
// settles, setting RedemptionStatus to Pending on a win.
func (j *Journal) MarkResolved(id string, won bool) error {
	status := ResolutionLost
	redemption := RedemptionNotApplicable
	if won {
		status = ResolutionWon
		redemption = RedemptionPending
	}
	return j.db.Model(&Entry{}).Where("id = ?", id).
		Updates(map[string]any{"resolution_status": status, "redemption_status": redemption, "updated_at": time.Now()}).Error
}

// MarkRedeemed records the on-chain redemption transaction hash.
func (j *Journal) MarkRedeemed(id, txHash string) error {
	return j.db.Model(&Entry{}).Where("id = ?", id).
		Updates(map[string]any{"redemption_status": RedemptionRedeemed, "redemption_tx": txHash, "updated_at": time.Now()}).Error
}

// Close fsyncs and closes the append log, then closes the SQL
// connection pool.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendFile.Sync(); err != nil {
		return err
	}
	if err := j.appendFile.Close(); err != nil {
		return err
	}
	if sqlDB, err := j.db.DB(); err == nil {
		return sqlDB.Close()
	}
	return nil
}
