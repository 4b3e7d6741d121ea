package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMockProvider_FIFO(t *testing.T) {
	mock := NewMockProvider(
		MockResponse{Content: json.RawMessage(`{"n":1}`)},
		MockResponse{Content: json.RawMessage(`{"n":2}`)},
	)
	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		resp, err := mock.Generate(context.Background(), Request{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Content) != want {
			t.Fatalf("expected %s, got %s", want, resp.Content)
		}
	}

	_, err := mock.Generate(context.Background(), Request{})
	var down *ErrProviderUnavailable
	if !errors.As(err, &down) {
		t.Fatalf("expected ErrProviderUnavailable once drained, got %T (%v)", err, err)
	}
}

func TestMockProvider_PurposeQueuesTakePrecedence(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`"shared"`)})
	mock.AddFor(PurposeStrategy, MockResponse{Content: json.RawMessage(`"strategy"`)})

	ctx := WithPurpose(context.Background(), PurposeStrategy)
	resp, err := mock.Generate(ctx, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Content) != `"strategy"` {
		t.Fatalf("expected purpose response, got %s", resp.Content)
	}

	// The purpose queue is empty now, so the shared queue serves the call.
	resp, err = mock.Generate(ctx, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Content) != `"shared"` {
		t.Fatalf("expected shared response, got %s", resp.Content)
	}
	if mock.CallsFor(PurposeStrategy) != 2 {
		t.Fatalf("expected 2 strategy calls, got %d", mock.CallsFor(PurposeStrategy))
	}
}

func TestMockProvider_RecordsCalls(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{}`)})
	ctx := WithUser(WithPurpose(context.Background(), PurposeAssessment), "u1")
	req := Request{System: "sys", Messages: UserMessage("hello")}

	if _, err := mock.Generate(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].UserID != "u1" || calls[0].Purpose != PurposeAssessment {
		t.Fatalf("unexpected call metadata: %+v", calls[0])
	}
	if calls[0].Request.Messages[0].Content != "hello" {
		t.Fatalf("expected message 'hello', got %q", calls[0].Request.Messages[0].Content)
	}
}

func TestMockProvider_ValidatesSchema(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{"label":7}`)})
	_, err := mock.Generate(context.Background(), Request{Schema: labelSchema()})
	var inv *ErrInvalidResponse
	if !errors.As(err, &inv) {
		t.Fatalf("expected ErrInvalidResponse, got %T (%v)", err, err)
	}
}

func TestMockProvider_ConfiguredError(t *testing.T) {
	mock := NewMockProvider(MockResponse{Err: &ErrRateLimit{Err: errors.New("slow down")}})
	_, err := mock.Generate(context.Background(), Request{})
	var rl *ErrRateLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimit, got %T", err)
	}
}

func TestMockProvider_CancelledContext(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{}`)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mock.Generate(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.CallCount() != 0 {
		t.Fatalf("cancelled call should not be recorded, got %d", mock.CallCount())
	}
}

func TestPurposeContext(t *testing.T) {
	if got := PurposeFrom(context.Background()); got != PurposeUnknown {
		t.Fatalf("expected %q, got %q", PurposeUnknown, got)
	}
	ctx := WithPurpose(context.Background(), PurposeCandidates)
	if got := PurposeFrom(ctx); got != PurposeCandidates {
		t.Fatalf("expected %q, got %q", PurposeCandidates, got)
	}
	if got := UserFrom(ctx); got != "" {
		t.Fatalf("expected no user, got %q", got)
	}
}

func TestResponseDecode(t *testing.T) {
	resp := &Response{Content: json.RawMessage(`{"label":"calm"}`)}
	var out struct {
		Label string `json:"label"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Label != "calm" {
		t.Fatalf("expected 'calm', got %q", out.Label)
	}

	bad := &Response{Content: json.RawMessage(`not json`)}
	var inv *ErrInvalidResponse
	if err := bad.Decode(&out); !errors.As(err, &inv) {
		t.Fatalf("expected ErrInvalidResponse, got %T", err)
	}
}

func TestRequestMaxTokensDefault(t *testing.T) {
	if got := (Request{}).maxTokens(); got != DefaultMaxTokens {
		t.Fatalf("expected %d, got %d", DefaultMaxTokens, got)
	}
	if got := (Request{MaxTokens: 64}).maxTokens(); got != 64 {
		t.Fatalf("expected 64, got %d", got)
	}
}

func TestFinish_TruncatedOutput(t *testing.T) {
	_, err := finish(Request{Schema: labelSchema()}, json.RawMessage(`{"lab`), Usage{}, "m", "max_tokens")
	var trunc *ErrMaxTokensExceeded
	if !errors.As(err, &trunc) {
		t.Fatalf("expected ErrMaxTokensExceeded, got %T (%v)", err, err)
	}
}
