// Package orderno produces merchant order numbers, the correlation keys that tie a local intent
// to the issuer's eventual confirmation.
//
// An order number is PREFIX-<unix millis>-<8 hex chars>. The timestamp keeps numbers readable and
// roughly ordered; the random suffix keeps them unique across processes. Uniqueness is finally
// enforced by the ledger, which rejects a reused number with ErrConflict.
package orderno

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alovak/cardbridge/internal/clock"
)

// Prefixes used by the issuing flows.
const (
	PrefixKYC        = "KYC"
	PrefixCard       = "CARD"
	PrefixRecharge   = "RECHARGE"
	PrefixFreeze     = "FREEZE"
	PrefixUnfreeze   = "UNFREEZE"
	PrefixWallet     = "WALLET"
	PrefixWithdrawal = "ATM"
)

const randomBytes = 4

type Generator struct {
	clock  clock.Clock
	random io.Reader
}

func NewGenerator(clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Generator{clock: clk, random: rand.Reader}
}

// New returns a fresh order number for prefix.
func (g *Generator) New(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", fmt.Errorf("order number prefix is required")
	}
	buf := make([]byte, randomBytes)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("reading random suffix: %w", err)
	}
	millis := g.clock.Now().UnixNano() / int64(time.Millisecond)
	return prefix + "-" + strconv.FormatInt(millis, 10) + "-" + hex.EncodeToString(buf), nil
}

// Parse splits an order number into its prefix and timestamp.
func Parse(orderNo string) (prefix string, at time.Time, err error) {
	parts := strings.Split(orderNo, "-")
	if len(parts) != 3 || parts[0] == "" || len(parts[2]) != 2*randomBytes {
		return "", time.Time{}, fmt.Errorf("malformed order number %q", orderNo)
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed order number %q: %w", orderNo, err)
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return "", time.Time{}, fmt.Errorf("malformed order number %q: %w", orderNo, err)
	}
	return parts[0], time.UnixMilli(millis).UTC(), nil
}

// IntentTime is the moment the order was generated, or fallback when orderNo is not
// one of ours. Status writes are ordered by it so that a synchronous response and
// its later webhook carry the same time.
func IntentTime(orderNo string, fallback time.Time) time.Time {
	_, at, err := Parse(orderNo)
	if err != nil {
		return fallback
	}
	return at
}
