// Package hashchain computes the tamper-evident per-task hash chain shared
// by the Durable Store (verify_chain) and the Event Emitter (emit).
package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// Compute returns hash_curr for an event per spec formula:
//
//	SHA256(hash_prev || le_bytes(seq,8) || utf8(kind) || canonical_json(payload) || utf8(rfc3339(ts)))
//
// hash_prev is empty for seq==0.
func Compute(hashPrev []byte, seq int64, kind types.EventKind, payload map[string]any, ts time.Time) ([]byte, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write(hashPrev)

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(seq))
	h.Write(seqBuf[:])

	h.Write([]byte(kind))
	h.Write(canonical)
	h.Write([]byte(ts.Format(time.RFC3339Nano)))

	return h.Sum(nil), nil
}

// CanonicalJSON encodes v (expected to be the shapes encoding/json decodes
// into: map[string]any, []any, string, float64, bool, nil) with sorted
// object keys and no insignificant whitespace. This is the canonical form
// the hash chain is frozen to; verify_chain and emit must both route
// through it for chain reproducibility to hold.
func CanonicalJSON(v any) ([]byte, error) {
	var buf []byte
	out, err := appendCanonical(buf, v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendJSONString(buf, val)
	case float64:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	case json.Number:
		return append(buf, val.String()...), nil
	case map[string]any:
		return appendCanonicalObject(buf, val)
	case []any:
		return appendCanonicalArray(buf, val)
	default:
		// Fall back to round-tripping through encoding/json so callers may
		// pass in concrete struct payloads, not just decoded map shapes.
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(encoded, &generic); err != nil {
			return nil, err
		}
		return appendCanonical(buf, generic)
	}
}

func appendCanonicalObject(buf []byte, m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendJSONString(buf, k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, ':')
		buf, err = appendCanonical(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

func appendCanonicalArray(buf []byte, arr []any) ([]byte, error) {
	buf = append(buf, '[')
	for i, elem := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendCanonical(buf, elem)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

func appendJSONString(buf []byte, s string) ([]byte, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return append(buf, encoded...), nil
}
