package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/hatchpoint/messaging/internal/model"
)

func MessageKey(id string) string {
	return "message:" + id
}

func ConversationKey(id string) string {
	return "conversation:" + id
}

// webhookIDFields are tried in order when deriving a dedup key from a raw
// webhook payload.
var webhookIDFields = []string{"id", "message_id", "messaging_provider_id", "xillio_id"}

// WebhookDedupKey derives the duplicate-detection key for a webhook payload:
// the first natural id present in the body, else a hash of the sorted
// payload. The derivation is deterministic so a retried webhook maps to the
// same key.
func WebhookDedupKey(provider model.Provider, body map[string]any) string {
	for _, field := range webhookIDFields {
		if v, ok := body[field]; ok {
			if s := fmt.Sprintf("%v", v); s != "" && s != "<nil>" {
				return fmt.Sprintf("webhook:%s:%s", provider, s)
			}
		}
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, body[k])
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("webhook:%s:%s", provider, hex.EncodeToString(sum[:]))
}
