package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance bounds how old a signed timestamp may be. Replays of a
// captured payload outside the window are rejected even with a valid MAC.
const signatureTolerance = 5 * time.Minute

// ErrInvalidSignature covers every verification failure: malformed header,
// MAC mismatch, or a timestamp outside the tolerance window. Callers must
// not log or persist anything about a payload that fails verification.
var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

// VerifySignature checks the processor signature header against the raw
// request body. The header carries the signed unix timestamp and an
// HMAC-SHA256 of "<timestamp>.<payload>" keyed with the shared secret:
//
//	t=1693305600,v1=5257a869e7...
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	signedAt := time.Unix(ts, 0)
	age := now.Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > signatureTolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}

func parseSignatureHeader(header string) (int64, string, error) {
	var (
		ts  int64
		sig string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", ErrInvalidSignature
			}
			ts = parsed
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", ErrInvalidSignature
	}
	return ts, sig, nil
}
