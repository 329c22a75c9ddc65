// Package stream stores each session's append-only sequence of output
// chunks. Offsets start at 0 and are dense; timestamps never go backwards
// within a session. Exactly one writer appends to a given session while any
// number of readers tail it.
package stream

import (
	"context"
	"time"

	"github.com/zhubert/swarm/internal/session"
)

// Store is the output stream contract.
type Store interface {
	// Append assigns the next offset to chunk and returns it.
	Append(ctx context.Context, sessionID string, chunk session.OutputChunk) (int, error)
	// Tail returns every chunk with Index >= from, in order.
	Tail(ctx context.Context, sessionID string, from int) ([]session.OutputChunk, error)
	// Wait is Tail that blocks up to maxWait for at least one chunk to exist
	// at or past from. An empty result with a nil error means it timed out.
	Wait(ctx context.Context, sessionID string, from int, maxWait time.Duration) ([]session.OutputChunk, error)
	// Len is the number of chunks appended so far.
	Len(ctx context.Context, sessionID string) (int, error)
	// Changed returns a channel closed on the next append to sessionID.
	Changed(sessionID string) <-chan struct{}
	Close() error
}
