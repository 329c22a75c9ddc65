// Package session defines the data model shared by every swarm component:
// sessions and their status state machine, output chunks, derived run
// metadata, and registry lifecycle events.
//
// # Status lifecycle
//
//	pending -> working
//	working <-> waiting_approval | waiting_input | idle
//	working | idle -> completed | failed | cancelled
//	pending -> failed
//	any non-terminal -> cancelled
//
// completed, failed and cancelled are terminal. ValidateTransition is the
// single authority on which edges exist.
//
// # Output chunks
//
// Every session owns an append-only sequence of OutputChunk values indexed
// from 0. Chunk content is plain text for text, thinking, error, system and
// user_message chunks, and a JSON document for tool_use and tool_result
// chunks. Out-of-band data (client message ids, tool names, event markers)
// travels in the Metadata side channel rather than inside Content.
package session
