// Package pending reconciles prompts a client has sent optimistically with
// the user_message chunks that later confirm their delivery.
//
// A prompt is identified by the client-assigned id carried in the
// client_message_id metadata field of its confirming chunk. All functions
// are pure, idempotent, and converge: once a chunk with a given id is in the
// stream, the matching pending entry disappears and never comes back.
package pending

import (
	"github.com/zhubert/swarm/internal/session"
)

// DeliveredIDs is the set of client message ids present in a stream.
type DeliveredIDs map[string]struct{}

// Has reports whether id was delivered.
func (d DeliveredIDs) Has(id string) bool {
	_, ok := d[id]
	return ok
}

// ExtractDeliveredIDs collects client message ids from user_message chunks.
func ExtractDeliveredIDs(chunks []session.OutputChunk) DeliveredIDs {
	ids := make(DeliveredIDs)
	for _, c := range chunks {
		if c.Type != session.ChunkUserMessage {
			continue
		}
		if id := c.Meta(session.MetaClientMessageID); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// FilterPending returns the pending messages not yet confirmed by chunks,
// preserving their order. Messages without an id can never be confirmed
// and are always kept. Duplicate ids collapse to their first occurrence.
func FilterPending(pending []session.Message, chunks []session.OutputChunk) []session.Message {
	delivered := ExtractDeliveredIDs(chunks)
	seen := make(map[string]bool, len(pending))
	out := make([]session.Message, 0, len(pending))
	for _, m := range pending {
		if m.ID != "" {
			if delivered.Has(m.ID) || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	return out
}

// DisplayItem is one row of a merged view: either a confirmed chunk or an
// optimistic (not yet delivered) message.
type DisplayItem struct {
	Chunk      *session.OutputChunk `json:"chunk,omitempty"`
	Message    *session.Message     `json:"message,omitempty"`
	Optimistic bool                 `json:"optimistic"`
}

// MergeForDisplay returns the confirmed chunks followed by the undelivered
// pending messages. Optimistic rows always sort after confirmed ones so a
// late confirmation moves a prompt into place instead of duplicating it.
func MergeForDisplay(chunks []session.OutputChunk, pending []session.Message) []DisplayItem {
	remaining := FilterPending(pending, chunks)
	items := make([]DisplayItem, 0, len(chunks)+len(remaining))
	for i := range chunks {
		c := chunks[i]
		items = append(items, DisplayItem{Chunk: &c})
	}
	for i := range remaining {
		m := remaining[i]
		items = append(items, DisplayItem{Message: &m, Optimistic: true})
	}
	return items
}
