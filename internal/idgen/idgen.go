// Package idgen generates the core's opaque identifiers: bubble instance
// ids (§3.2) and rework intent ids (§3.3). Envelope ids are generated by
// internal/transcript since they depend on transcript sequence state.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

func toBase36(n int64) string {
	if n == 0 {
		return "0"
	}
	var sb strings.Builder
	v := big.NewInt(n)
	base := big.NewInt(36)
	mod := new(big.Int)
	digits := make([]byte, 0, 16)
	for v.Sign() > 0 {
		v.DivMod(v, base, mod)
		digits = append(digits, base36Digits[mod.Int64()])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(digits[i])
	}
	return sb.String()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n/2+n%2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:n], nil
}

// BubbleInstanceID generates an id matching
// ^[A-Za-z0-9][A-Za-z0-9_-]{9,127}$ per §3.2: "bi_<base36-millis>_<20 hex chars>".
func BubbleInstanceID(now time.Time) (string, error) {
	hexPart, err := randomHex(20)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("bi_%s_%s", toBase36(now.UnixMilli()), hexPart), nil
}

// IntentID generates an id for a pending_rework_intent entry (§3.3).
// Same shape as a bubble instance id but with an "ri_" prefix so the two
// namespaces never collide when both appear in logs.
func IntentID(now time.Time) (string, error) {
	hexPart, err := randomHex(20)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ri_%s_%s", toBase36(now.UnixMilli()), hexPart), nil
}
