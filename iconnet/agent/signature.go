package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContextSignature fingerprints an intent. Struct field order makes the JSON
// encoding stable.
func ContextSignature(intent Intent) string {
	payload, err := json.Marshal(intent)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ContextChanged reports whether current differs from a previously recorded
// signature. A thread without history never counts as changed.
func ContextChanged(last, current string) bool {
	return last != "" && last != current
}
