package llm

import (
	"context"
	"errors"
)

// Purpose labels a call for audit and logging.
type Purpose string

const (
	PurposeAssessment Purpose = "tier2-assessment"
	PurposeStrategy   Purpose = "tier2-strategy"
	PurposeCandidates Purpose = "tier2-candidates"
	PurposeUnknown    Purpose = "unknown"
)

type purposeKey struct{}

// WithPurpose attaches a purpose label to ctx.
func WithPurpose(ctx context.Context, p Purpose) context.Context {
	return context.WithValue(ctx, purposeKey{}, p)
}

// PurposeFrom returns the purpose attached to ctx, or PurposeUnknown.
func PurposeFrom(ctx context.Context) Purpose {
	if p, ok := ctx.Value(purposeKey{}).(Purpose); ok {
		return p
	}
	return PurposeUnknown
}

type userKey struct{}

// WithUser attaches the user a call is made on behalf of.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user attached to ctx.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
