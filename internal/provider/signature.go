package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// validSignature checks an HMAC-SHA256 hex signature of the raw body.
func validSignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the webhook signature for a body. Exposed for tests and for
// local tooling that replays webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func stringField(body map[string]any, key string) string {
	if v, ok := body[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func stringsField(body map[string]any, key string) []string {
	raw, ok := body[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func timeField(body map[string]any, key string) time.Time {
	if s := stringField(body, key); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// direction decides whether a payload is an inbound message or an outbound
// status callback: an explicit direction wins, otherwise a status without
// content means a callback.
func direction(body map[string]any) string {
	if d := stringField(body, "direction"); d != "" {
		return d
	}
	if stringField(body, "status") != "" && stringField(body, "body") == "" {
		return "outbound"
	}
	return "inbound"
}
