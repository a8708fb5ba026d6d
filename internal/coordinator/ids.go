package coordinator

import (
	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/model"
)

// IDGenerator produces unique identifiers for temp ids and idempotency keys.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (c *Coordinator) newTempID() string {
	return model.TempIDPrefix + c.tempIDs.Generate()
}
