// Package telemetry exports pipeline traces over OTLP.
//
// The orchestrator and validator start spans from a trace.TracerProvider.
// Disabled telemetry hands them the global provider, which is a no-op
// unless the host installed one. Enabled, spans are batched to an OTLP
// collector over gRPC or HTTP/protobuf.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 1.0
//
// Exporter failures never stop a run; the instance reports itself degraded
// and falls back to the global provider.
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	o, _ := orchestrator.New(..., orchestrator.WithTracerProvider(tt.TracerProvider()))
//	tt.AssertSpanExists(t, "orchestrator.run")
package telemetry
