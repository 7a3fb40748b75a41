package portal

import (
	"context"
	"sync"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
)

// StubFormFiller is a deterministic FormFiller used for tests and local
// operation when no real form-fill collaborator is wired in. Results are
// consumed in order per correlation key; once exhausted the last result
// repeats.
type StubFormFiller struct {
	mu      sync.Mutex
	results map[string][]FormResult
	calls   map[string]int
	Default FormResult
}

// NewStubFormFiller builds a stub filler. results maps a form_data
// "correlation_key" value to the ordered sequence of outcomes it should
// produce across successive attempts.
func NewStubFormFiller(results map[string][]FormResult) *StubFormFiller {
	return &StubFormFiller{
		results: results,
		calls:   make(map[string]int),
		Default: FormResult{Success: true, Stage: "post-submission"},
	}
}

func (s *StubFormFiller) Fill(ctx context.Context, driver browser.Driver, formData map[string]interface{}) FormResult {
	key, _ := formData["correlation_key"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.results[key]
	if !ok || len(seq) == 0 {
		return s.Default
	}

	idx := s.calls[key]
	s.calls[key] = idx + 1
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx]
}
