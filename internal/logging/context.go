package logging

import (
	"context"

	"go.uber.org/zap"
)

type runCtxKey struct{}
type iterationCtxKey struct{}

// WithRunID attaches a run identifier to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run identifier, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runCtxKey{}).(string)
	return id
}

// WithIteration attaches the loop iteration number to ctx.
func WithIteration(ctx context.Context, iteration int) context.Context {
	return context.WithValue(ctx, iterationCtxKey{}, iteration)
}

// IterationFromContext returns the iteration and whether one was set.
func IterationFromContext(ctx context.Context) (int, bool) {
	it, ok := ctx.Value(iterationCtxKey{}).(int)
	return it, ok
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 2)
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if it, ok := IterationFromContext(ctx); ok {
		fields = append(fields, zap.Int("run.iteration", it))
	}
	return fields
}
