package queue

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/fieldsync/internal/model"
)

// Fingerprint identifies the intent of a mutation: its kind plus the
// canonical form of its payload. Re-submitting the same edit yields the same
// fingerprint regardless of key order, whitespace or Unicode normalization.
func Fingerprint(kind model.OpKind, payload []byte) (string, error) {
	canonical, err := model.Canonical(payload)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.WriteString(string(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
