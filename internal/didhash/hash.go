// Package didhash derives the deterministic content hashes the store's
// key space is built on: did_hash for DID handles and msg_hash for
// envelopes.
package didhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DID returns the lowercase-hex SHA-256 digest of a DID string, after
// trimming surrounding whitespace. The same DID string always produces
// the same did_hash.
func DID(did string) string {
	did = strings.TrimSpace(did)
	sum := sha256.Sum256([]byte(did))
	return hex.EncodeToString(sum[:])
}

// Message computes msg_hash over the parts that make an inbound
// envelope unique: the deterministic encoding is independent of
// wall-clock arrival time, so resubmitting identical bytes always
// reproduces the identical hash (see store.StoreMessage idempotency).
func Message(parts ...any) string {
	var buf bytes.Buffer
	encodeDeterministic(&buf, parts)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func encodeDeterministic(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(x)
		buf.Write(b)
	case []byte:
		buf.WriteByte('"')
		buf.WriteString(hex.EncodeToString(x))
		buf.WriteByte('"')
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeDeterministic(buf, e)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(strings.ToLower(k))
			buf.Write(kb)
			buf.WriteByte(':')
			encodeDeterministic(buf, x[k])
		}
		buf.WriteByte('}')
	default:
		b, err := json.Marshal(x)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(b)
	}
}
