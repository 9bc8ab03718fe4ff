package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func signPayload(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	t.Run("valid", func(t *testing.T) {
		header := signPayload(t, payload, testSecret, now)
		assert.NoError(t, VerifySignature(payload, header, testSecret, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := signPayload(t, payload, "whsec_other", now)
		assert.ErrorIs(t, VerifySignature(payload, header, testSecret, now), ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		header := signPayload(t, payload, testSecret, now)
		tampered := []byte(`{"id":"evt_1","type":"invoice.payment_failed"}`)
		assert.ErrorIs(t, VerifySignature(tampered, header, testSecret, now), ErrInvalidSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		header := signPayload(t, payload, testSecret, now.Add(-10*time.Minute))
		assert.ErrorIs(t, VerifySignature(payload, header, testSecret, now), ErrInvalidSignature)
	})

	t.Run("future timestamp outside tolerance", func(t *testing.T) {
		header := signPayload(t, payload, testSecret, now.Add(10*time.Minute))
		assert.ErrorIs(t, VerifySignature(payload, header, testSecret, now), ErrInvalidSignature)
	})

	t.Run("clock skew within tolerance", func(t *testing.T) {
		header := signPayload(t, payload, testSecret, now.Add(-2*time.Minute))
		assert.NoError(t, VerifySignature(payload, header, testSecret, now))
	})

	t.Run("malformed headers", func(t *testing.T) {
		for _, header := range []string{"", "t=abc,v1=00", "v1=00", fmt.Sprintf("t=%d", now.Unix()), "garbage"} {
			assert.ErrorIs(t, VerifySignature(payload, header, testSecret, now), ErrInvalidSignature, header)
		}
	})

	t.Run("non-hex signature", func(t *testing.T) {
		header := fmt.Sprintf("t=%d,v1=zzzz", now.Unix())
		assert.ErrorIs(t, VerifySignature(payload, header, testSecret, now), ErrInvalidSignature)
	})
}

func TestParseEvent(t *testing.T) {
	t.Run("recognized", func(t *testing.T) {
		payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"pi_123"}}}`)
		evt, err := ParseEvent(payload)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", evt.ID)
		assert.Equal(t, EventInvoicePaid, evt.Type)
		assert.Equal(t, "pi_123", evt.ProcessorInvoiceID)
		assert.True(t, evt.Recognized())
	})

	t.Run("unrecognized type carried through", func(t *testing.T) {
		payload := []byte(`{"id":"evt_2","type":"customer.updated","data":{"object":{"id":"cus_1"}}}`)
		evt, err := ParseEvent(payload)
		require.NoError(t, err)
		assert.False(t, evt.Recognized())
	})

	t.Run("recognized type requires invoice reference", func(t *testing.T) {
		payload := []byte(`{"id":"evt_3","type":"invoice.paid","data":{"object":{}}}`)
		_, err := ParseEvent(payload)
		assert.Error(t, err)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"type":"invoice.paid"}`))
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{`))
		assert.Error(t, err)
	})
}
