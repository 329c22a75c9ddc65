// Package metadata derives run metadata from a session's output stream.
// Everything here is a pure function of the chunks it is given: the same
// input always produces the same SessionMetadata, and malformed payloads
// are skipped rather than reported.
package metadata

import (
	"sync/atomic"

	"github.com/rivo/uniseg"

	"github.com/zhubert/swarm/internal/session"
)

// charsPerToken is the estimate used when an engine reports no usage.
const charsPerToken = 4

// DefaultContextWindow applies when none is configured.
const DefaultContextWindow = 200000

// Aggregator folds chunks into SessionMetadata.
type Aggregator struct {
	taxonomy      atomic.Pointer[Taxonomy]
	contextWindow int
}

// New returns an aggregator using tax (nil for the built-in table).
func New(tax *Taxonomy, contextWindow int) *Aggregator {
	if tax == nil {
		tax = NewTaxonomy(nil)
	}
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	a := &Aggregator{contextWindow: contextWindow}
	a.taxonomy.Store(tax)
	return a
}

// SetTaxonomy swaps the tool table; folds already in progress keep the old one.
func (a *Aggregator) SetTaxonomy(tax *Taxonomy) {
	a.taxonomy.Store(tax)
}

// Taxonomy returns the active table.
func (a *Aggregator) Taxonomy() *Taxonomy {
	return a.taxonomy.Load()
}

// Fold computes metadata for chunks, which must be in offset order.
func (a *Aggregator) Fold(chunks []session.OutputChunk) session.SessionMetadata {
	tax := a.taxonomy.Load()

	md := session.SessionMetadata{
		ToolStats: session.ToolStats{
			ByTool:   make(map[string]int),
			ByBucket: make(map[session.Bucket]int),
		},
		Output:      make(map[session.ChunkType]session.VolumeStats),
		EditedFiles: EditedFiles(chunks),
		Turns:       []session.Turn{},
	}

	var (
		current      *session.Turn
		turnFiles    map[string]bool
		lastUsage    *session.TokenUsage
		estimateText int
	)
	closeTurn := func(end session.OutputChunk, outcome string) {
		if current == nil {
			return
		}
		ended := end.Timestamp
		current.EndedAt = &ended
		current.Duration = ended.Sub(current.StartedAt)
		current.Outcome = outcome
		md.Turns = append(md.Turns, *current)
		current = nil
	}

	for _, c := range chunks {
		chars := uniseg.GraphemeClusterCount(c.Content)
		vol := md.Output[c.Type]
		vol.Count++
		vol.Chars += chars
		vol.EstimatedTokens = (vol.Chars + charsPerToken - 1) / charsPerToken
		md.Output[c.Type] = vol

		switch c.Type {
		case session.ChunkUserMessage:
			closeTurn(c, "next_prompt")
			current = &session.Turn{
				Index:     len(md.Turns),
				StartedAt: c.Timestamp,
				ToolCalls: make(map[session.Bucket]int),
				UserChars: chars,
			}
			turnFiles = make(map[string]bool)
			estimateText += chars

		case session.ChunkText:
			if current != nil {
				current.AssistantChars += chars
			}
			estimateText += chars

		case session.ChunkThinking, session.ChunkToolResult:
			estimateText += chars

		case session.ChunkToolUse:
			estimateText += chars
			call, ok := c.ToolCall()
			if !ok {
				continue
			}
			bucket := tax.Bucket(call.Name)
			md.ToolStats.Total++
			md.ToolStats.ByTool[call.Name]++
			md.ToolStats.ByBucket[bucket]++
			if current != nil {
				current.ToolCalls[bucket]++
				for _, touch := range touchesFromCall(call, c.Timestamp) {
					if !turnFiles[touch.Path] {
						turnFiles[touch.Path] = true
						current.FilesEdited = append(current.FilesEdited, touch.Path)
					}
				}
			}

		case session.ChunkSystem:
			if u, ok := c.Usage(); ok {
				md.Usage.Add(u)
				latest := u
				lastUsage = &latest
				continue
			}
			if c.IsSessionEnd() {
				closeTurn(c, c.Meta(session.MetaStatus))
			}
		}
	}
	if current != nil {
		md.Turns = append(md.Turns, *current)
	}

	if lastUsage != nil {
		md.ContextTokens = lastUsage.InputTokens + lastUsage.CacheReadTokens + lastUsage.CacheCreationTokens
	} else {
		md.ContextTokens = (estimateText + charsPerToken - 1) / charsPerToken
	}
	md.ContextUtilization = utilization(md.ContextTokens, a.contextWindow)
	return md
}

func utilization(tokens, window int) float64 {
	if window <= 0 || tokens <= 0 {
		return 0
	}
	u := float64(tokens) / float64(window)
	if u > 1 {
		return 1
	}
	return u
}
