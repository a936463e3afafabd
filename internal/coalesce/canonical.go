package coalesce

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// generationShape is the hot-path body for video generation requests. When a
// body matches it exactly we hash just these fields and skip the full decode.
type generationShape struct {
	Prompt      string `json:"prompt"`
	Mode        string `json:"mode"`
	TargetModel string `json:"targetModel"`
	SkipCache   bool   `json:"skipCache"`
}

// Fingerprint deterministically identifies a logically-identical request:
// same scope, same caller, same canonical body. Two JSON payloads that differ
// only in object key order produce the same fingerprint. The principal is
// hashed before mixing so fingerprints never embed raw identities.
func Fingerprint(keyScope, principal string, body []byte) string {
	ph := sha256.Sum256([]byte(principal))
	bh := sha256.Sum256(canonicalBody(body))
	sum := sha256.Sum256([]byte(keyScope + "\x00" + hex.EncodeToString(ph[:]) + "\x00" + hex.EncodeToString(bh[:])))
	return hex.EncodeToString(sum[:])
}

// canonicalBody normalizes a request body for hashing. JSON-looking bodies
// are decoded and re-encoded; encoding/json writes map keys in sorted order,
// which is exactly the canonical form we need. Anything else hashes as-is.
func canonicalBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	if shape, ok := tryGenerationShape(trimmed); ok {
		return []byte(fmt.Sprintf("g\x00%s\x00%s\x00%s\x00%t",
			shape.Prompt, shape.Mode, shape.TargetModel, shape.SkipCache))
	}

	if trimmed[0] != '{' && trimmed[0] != '[' {
		return trimmed
	}
	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return trimmed
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return trimmed
	}
	return canonical
}

func tryGenerationShape(trimmed []byte) (generationShape, bool) {
	var shape generationShape
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&shape); err != nil {
		return shape, false
	}
	// a second value in the stream means this wasn't a single object
	if dec.More() {
		return shape, false
	}
	if shape.Prompt == "" || shape.Mode == "" {
		return shape, false
	}
	return shape, true
}
