package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DecodePayload parses payload into generic JSON values.
// Numbers are kept as json.Number so large integers survive a round trip.
func DecodePayload(payload json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, NewError(ErrCodeSerialization, "invalid payload", err)
	}
	if dec.More() {
		return nil, NewError(ErrCodeSerialization, "invalid payload", fmt.Errorf("trailing data"))
	}
	return v, nil
}

// Canonical returns a deterministic encoding of payload: object keys sorted,
// insignificant whitespace removed and strings in Unicode NFC.
// Two payloads with the same canonical form express the same intent.
func Canonical(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}
	v, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewError(ErrCodeSerialization, "encode payload", err)
	}
	return norm.NFC.Bytes(data), nil
}

// ReplaceIDRefs rewrites every string value equal to oldID to newID.
// Returns the original payload and false when nothing referenced oldID.
func ReplaceIDRefs(payload json.RawMessage, oldID, newID string) (json.RawMessage, bool, error) {
	if len(payload) == 0 || !bytes.Contains(payload, []byte(oldID)) {
		return payload, false, nil
	}
	v, err := DecodePayload(payload)
	if err != nil {
		return nil, false, err
	}
	replaced := false
	v = walkStrings(v, func(s string) string {
		if s == oldID {
			replaced = true
			return newID
		}
		return s
	})
	if !replaced {
		return payload, false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, NewError(ErrCodeSerialization, "encode payload", err)
	}
	return data, true, nil
}

// TempIDRefs returns the distinct temporary ids referenced anywhere in payload, sorted.
func TempIDRefs(payload json.RawMessage) []string {
	if len(payload) == 0 || !bytes.Contains(payload, []byte(TempIDPrefix)) {
		return nil
	}
	v, err := DecodePayload(payload)
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	walkStrings(v, func(s string) string {
		if strings.HasPrefix(s, TempIDPrefix) {
			seen[s] = struct{}{}
		}
		return s
	})
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

func walkStrings(v any, fn func(string) string) any {
	switch t := v.(type) {
	case string:
		return fn(t)
	case []any:
		for i := range t {
			t[i] = walkStrings(t[i], fn)
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = walkStrings(val, fn)
		}
		return t
	default:
		return v
	}
}
