package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallRecord is the audit row written for every provider call.
type CallRecord struct {
	ID           string
	UserID       string
	Provider     string
	Model        string
	Purpose      Purpose
	StartedAt    time.Time
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Success      bool
	ErrorKind    string
	ErrorMessage string
	Request      string
	Response     string
}

// CallRecorder persists call records.
type CallRecorder interface {
	AppendLLMCall(ctx context.Context, rec CallRecord) error
}

// LoggingProvider records every call to a CallRecorder and the logger.
type LoggingProvider struct {
	inner    Provider
	provider string
	recorder CallRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// WithLogging wraps p. recorder may be nil, in which case calls are only
// logged.
func WithLogging(p Provider, providerName string, recorder CallRecorder, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LoggingProvider{
		inner:    p,
		provider: providerName,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *LoggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := l.now()
	resp, err := l.inner.Generate(ctx, req)

	rec := CallRecord{
		ID:        uuid.NewString(),
		UserID:    UserFrom(ctx),
		Provider:  l.provider,
		Model:     l.inner.ModelID(),
		Purpose:   PurposeFrom(ctx),
		StartedAt: start.UTC(),
		LatencyMs: l.now().Sub(start).Milliseconds(),
		Success:   err == nil,
		Request:   serializeRequest(req),
	}
	if resp != nil {
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		rec.Response = string(resp.Content)
	}
	if cost := LookupCost(rec.Model); cost != nil {
		rec.CostUSD = cost.Cost(rec.InputTokens, rec.OutputTokens)
	}
	if err != nil {
		rec.ErrorKind = ErrorKind(err)
		rec.ErrorMessage = err.Error()
	}

	attrs := []any{
		"user_id", rec.UserID,
		"purpose", rec.Purpose,
		"model", rec.Model,
		"latency_ms", rec.LatencyMs,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
	}
	if err != nil {
		l.logger.Warn("llm call failed", append(attrs, "error_kind", rec.ErrorKind, "error", err)...)
	} else {
		l.logger.Debug("llm call", attrs...)
	}

	if l.recorder != nil {
		// The audit row must survive a cancelled caller.
		if logErr := l.recorder.AppendLLMCall(context.WithoutCancel(ctx), rec); logErr != nil {
			l.logger.Warn("record llm call failed", "error", logErr)
		}
	}
	return resp, err
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}

func serializeRequest(req Request) string {
	var b strings.Builder
	if req.System != "" {
		fmt.Fprintf(&b, "[system]\n%s\n\n", req.System)
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	if req.Schema != nil {
		if def, err := json.Marshal(req.Schema.Definition); err == nil {
			fmt.Fprintf(&b, "[schema: %s]\n%s\n", req.Schema.Name, def)
		}
	}
	return b.String()
}
