package testutil

import "fmt"

// SequenceIDs generates predictable identifiers ("<prefix>1", "<prefix>2", ...)
// for temp ids and idempotency keys, so golden traces stay byte-identical
// between runs.
//
// Thread-safety: SequenceIDs is safe for concurrent use.
type SequenceIDs struct {
	prefix string
	clock  *DeterministicClock
}

// NewSequenceIDs creates a generator. An empty prefix defaults to "id-".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "id-"
	}
	return &SequenceIDs{prefix: prefix, clock: NewDeterministicClock()}
}

// Generate returns the next identifier.
func (g *SequenceIDs) Generate() string {
	return fmt.Sprintf("%s%d", g.prefix, g.clock.Next())
}

// Reset restarts the sequence at 1.
func (g *SequenceIDs) Reset() {
	g.clock.Reset()
}
