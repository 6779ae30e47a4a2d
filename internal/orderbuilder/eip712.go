package orderbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// Polymarket CTF Exchange, Polygon mainnet.
const (
	polygonChainID     = 137
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

const (
	sideBuy = 0
)

// ctfOrder is a Polymarket CTF Exchange order, grounded field-for-field
// on teacher's arbitrage.CTFOrder.
type ctfOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// signer builds and signs CTF orders for one wallet.
type signer struct {
	privateKey    *ecdsa.PrivateKey
	signerAddress common.Address
	funderAddress common.Address
	exchangeAddr  common.Address
	signatureType int
}

func newSigner(privateKey *ecdsa.PrivateKey, signerAddr, funderAddr common.Address, signatureType int) *signer {
	return &signer{
		privateKey:    privateKey,
		signerAddress: signerAddr,
		funderAddress: funderAddr,
		exchangeAddr:  common.HexToAddress(ctfExchangeAddress),
		signatureType: signatureType,
	}
}

// createBuyOrder builds an unsigned BUY order for size shares at price,
// feeRateBps as quoted by the exchange for this token. Expiration and
// nonce are both zero: pre-signed orders never expire by construction
// (§3's PreSignedOrder invariant).
func (s *signer) createBuyOrder(tokenID string, price, size decimal.Decimal, feeRateBps int64) (*ctfOrder, error) {
	tokenIDInt := new(big.Int)
	if _, ok := tokenIDInt.SetString(tokenID, 10); !ok {
		return nil, fmt.Errorf("orderbuilder: invalid token id %q", tokenID)
	}

	usdcAmount, _ := size.Mul(price).Float64()
	sizeFloat, _ := size.Float64()

	maker := s.funderAddress
	if maker == (common.Address{}) {
		maker = s.signerAddress
	}

	return &ctfOrder{
		Salt:          generateSalt(),
		Maker:         maker,
		Signer:        s.signerAddress,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       tokenIDInt,
		MakerAmount:   toMakerAmount(usdcAmount),
		TakerAmount:   toTakerAmount(sizeFloat),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(feeRateBps),
		Side:          sideBuy,
		SignatureType: uint8(s.signatureType),
	}, nil
}

func (s *signer) sign(order *ctfOrder) (string, error) {
	typedData := buildTypedData(order, s.exchangeAddr)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return "", fmt.Errorf("orderbuilder: hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return "", fmt.Errorf("orderbuilder: hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("orderbuilder: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return fmt.Sprintf("0x%x", sig), nil
}

func buildTypedData(order *ctfOrder, exchangeAddr common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(polygonChainID),
			VerifyingContract: exchangeAddr.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// toMakerAmount truncates (never rounds up) USDC to avoid ever signing
// for more budget than intended.
func toMakerAmount(amount float64) *big.Int {
	scaled := amount * 1e6
	truncated := float64(int64(scaled))
	return big.NewInt(int64(truncated))
}

func toTakerAmount(amount float64) *big.Int {
	rounded := float64(int64(amount*10000+0.5)) / 10000
	scaled := rounded * 1e6
	return big.NewInt(int64(scaled))
}

func generateSalt() *big.Int {
	return big.NewInt(rand.Int63())
}
