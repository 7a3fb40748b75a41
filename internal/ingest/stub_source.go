package ingest

import (
	"context"
	"sync"
)

// StubSource is a deterministic Source used for tests and local operation
// when no real change-feed collaborator is wired in, mirroring this
// codebase's portal.StubFormFiller: a configurable outcome sequence played
// back across successive polls, repeating an empty batch once exhausted.
type StubSource struct {
	mu      sync.Mutex
	batches [][]Document
	idx     int
}

// NewStubSource builds a stub source that replays batches in order across
// successive Poll calls.
func NewStubSource(batches [][]Document) *StubSource {
	return &StubSource{batches: batches}
}

func (s *StubSource) Poll(ctx context.Context, since Cursor) ([]Document, Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []Document
	if s.idx < len(s.batches) {
		docs = s.batches[s.idx]
		s.idx++
	}
	return docs, Cursor(string(since) + "+1"), nil
}
