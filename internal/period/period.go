// Package period implements wall-clock window alignment for the fixed-duration
// up/down markets (C10). Windows are aligned to a configured time zone, not UTC,
// so the minute-of-hour floor must be computed against zoned local time.
package period

import "time"

// WindowFor returns the epoch-seconds start of the window of length
// durationSecs (a divisor of 3600) containing ts, in the given zone.
// Windows are aligned to wall-clock minute-of-hour boundaries in zone,
// not to UTC.
func WindowFor(ts time.Time, durationSecs int64, zone *time.Location) int64 {
	local := ts.In(zone)
	minuteStep := durationSecs / 60
	flooredMinute := (local.Minute() / int(minuteStep)) * int(minuteStep)

	windowStart := time.Date(
		local.Year(), local.Month(), local.Day(),
		local.Hour(), flooredMinute, 0, 0,
		zone,
	)
	return windowStart.Unix()
}

// WindowForUnix is WindowFor taking a unix-seconds timestamp, grounded on
// original_source's period_start_et_unix_for_timestamp.
func WindowForUnix(tsSec int64, durationSecs int64, zone *time.Location) int64 {
	return WindowFor(time.Unix(tsSec, 0), durationSecs, zone)
}

// CurrentWindow returns WindowFor(time.Now(), ...).
func CurrentWindow(durationSecs int64, zone *time.Location) int64 {
	return WindowForUnix(time.Now().Unix(), durationSecs, zone)
}

// NextBoundary returns the epoch-seconds start of the window strictly
// after the window containing ts.
func NextBoundary(ts time.Time, durationSecs int64, zone *time.Location) int64 {
	return WindowFor(ts, durationSecs, zone) + durationSecs
}
