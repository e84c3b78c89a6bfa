package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/carapace/carapace/internal/classifier"
)

// volatileArgKeys are excluded from signatures so that incidental
// per-call noise does not defeat approval caching. Anything else that
// differs produces a new signature and a fresh approval prompt.
var volatileArgKeys = map[string]bool{
	"timestamp":  true,
	"nonce":      true,
	"request_id": true,
}

// Signature computes the deterministic fingerprint of a tool invocation.
// Two invocations with the same signature are interchangeable for
// approval and decision caching.
func Signature(tool string, args map[string]any, c classifier.Classification) string {
	filtered := make(map[string]any, len(args))
	for k, v := range args {
		if volatileArgKeys[k] {
			continue
		}
		filtered[k] = v
	}

	categories := append([]string(nil), c.Categories...)
	sort.Strings(categories)

	payload := struct {
		Tool          string         `json:"tool"`
		Args          map[string]any `json:"args"`
		OperationType string         `json:"operation_type"`
		Categories    []string       `json:"categories"`
	}{
		Tool:          tool,
		Args:          filtered,
		OperationType: c.OperationType,
		Categories:    categories,
	}

	// encoding/json serialises map keys in sorted order, so the payload
	// is canonical.
	data, err := json.Marshal(payload)
	if err != nil {
		// Unmarshalable args (channels, funcs) cannot come off the wire;
		// hash what we can identify.
		data = []byte(tool + ":" + c.OperationType)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
