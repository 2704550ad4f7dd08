package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

const domainStatic = "static-v1"

// DemoCVV derives a stable 3-digit code from the PAN and its YYMM expiry.
// It only backs the simulated issuer's sensitive-info response.
func DemoCVV(pan, expiryYYMM string, key []byte) (string, error) {
	p := NormalizePAN(pan)
	if err := ValidatePAN(p); err != nil {
		return "", err
	}
	msg := []byte(p[:len(p)-1] + "|" + expiryYYMM + "|" + domainStatic)
	return hmacTruncatedDecimal(key, msg, 3), nil
}

func hmacTruncatedDecimal(key, msg []byte, width int) string {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	sum := h.Sum(nil)
	off := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[off])&0x7f)<<24 |
		uint32(sum[off+1])<<16 |
		uint32(sum[off+2])<<8 |
		uint32(sum[off+3])
	if width == 4 {
		return fmt.Sprintf("%04d", code%10000)
	}
	return fmt.Sprintf("%03d", code%1000)
}
