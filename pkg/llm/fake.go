package llm

import (
	"context"
	"sync"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// ScriptedProvider returns canned responses in order; tests script a
// full extraction conversation without a model.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []Request
}

// NewScriptedProvider queues responses; a nil error slot means the
// matching response is returned successfully.
func NewScriptedProvider(responses ...string) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// QueueError inserts a failing turn at the current end of the script.
func (s *ScriptedProvider) QueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, "")
	for len(s.errs) < len(s.responses)-1 {
		s.errs = append(s.errs, nil)
	}
	s.errs = append(s.errs, err)
}

func (s *ScriptedProvider) Complete(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	if idx >= len(s.responses) {
		return "", memerr.New(memerr.KindTerminal, "LLM_INVALID_RESPONSE", "script exhausted")
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	return s.responses[idx], nil
}

// Requests returns the calls made so far.
func (s *ScriptedProvider) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

var _ Provider = (*ScriptedProvider)(nil)
