// Package logging wraps zap with context-aware methods for selfheal.
//
// Every method takes a context.Context; ContextFields pulls the OpenTelemetry
// trace/span ids and the pipeline run, issue and patch ids out of it, so log
// lines emitted deep inside the validator still carry the patch they belong to:
//
//	ctx = logging.WithIssueID(ctx, issue.ID)
//	ctx = logging.WithPatchID(ctx, patch.ID)
//	log.Info(ctx, "validation started", zap.String("sandbox", dir))
//
// Fields whose key looks like a credential (api_key, token, ...) are redacted
// by the encoder. Tests use NewTestLogger to observe entries.
package logging
