package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var errMockExhausted = errors.New("no canned response queued")

// MockResponse is a canned response for the MockProvider.
type MockResponse struct {
	Content json.RawMessage
	Usage   Usage
	Err     error
}

// MockCall is one request observed by the MockProvider.
type MockCall struct {
	Purpose Purpose
	UserID  string
	Request Request
}

// MockProvider is a deterministic Provider for tests and the "mock"
// configuration. Responses registered for a purpose are served first;
// otherwise the shared FIFO queue is used. Content is validated against the
// request schema like a real provider would.
type MockProvider struct {
	mu        sync.Mutex
	responses []MockResponse
	byPurpose map[Purpose][]MockResponse
	calls     []MockCall
}

// NewMockProvider creates a MockProvider with the given canned responses.
func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{responses: responses, byPurpose: map[Purpose][]MockResponse{}}
}

// Generate pops the next response for the context's purpose, falling back
// to the shared queue. An empty queue yields ErrProviderUnavailable.
func (m *MockProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	purpose := PurposeFrom(ctx)

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Purpose: purpose, UserID: UserFrom(ctx), Request: req})
	resp, ok := m.pop(purpose)
	m.mu.Unlock()

	if !ok {
		return nil, &ErrProviderUnavailable{Err: errMockExhausted}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return finish(req, resp.Content, resp.Usage, "mock", "end")
}

func (m *MockProvider) pop(purpose Purpose) (MockResponse, bool) {
	if q := m.byPurpose[purpose]; len(q) > 0 {
		m.byPurpose[purpose] = q[1:]
		return q[0], true
	}
	if len(m.responses) == 0 {
		return MockResponse{}, false
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, true
}

// ModelID returns "mock".
func (m *MockProvider) ModelID() string {
	return "mock"
}

// AddResponse appends a canned response to the shared queue.
func (m *MockProvider) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// AddFor queues a response served only to calls made with purpose.
func (m *MockProvider) AddFor(purpose Purpose, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPurpose[purpose] = append(m.byPurpose[purpose], resp)
}

// CallCount returns the number of Generate calls made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of the observed calls.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor counts calls made with purpose.
func (m *MockProvider) CallsFor(purpose Purpose) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Purpose == purpose {
			n++
		}
	}
	return n
}
