package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := IssueIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("issue.id", id))
	}
	if id := PatchIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("patch.id", id))
	}

	return fields
}

type runCtxKey struct{}
type issueCtxKey struct{}
type patchCtxKey struct{}

// WithRunID tags the context with a pipeline run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, id)
}

// RunIDFromContext extracts the pipeline run id.
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithIssueID tags the context with the issue being repaired.
func WithIssueID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, issueCtxKey{}, id)
}

// IssueIDFromContext extracts the issue id.
func IssueIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(issueCtxKey{}).(string)
	return s
}

// WithPatchID tags the context with the candidate patch being handled.
func WithPatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, patchCtxKey{}, id)
}

// PatchIDFromContext extracts the patch id.
func PatchIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(patchCtxKey{}).(string)
	return s
}
