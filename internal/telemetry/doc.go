// Package telemetry exports traces and metrics over OTLP.
//
// The learning coordinator accepts any trace and metric provider; this
// package builds the production ones from the telemetry config section:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	metrics, err := learning.NewMetrics(tel.Meter("arcache/learning"))
//	coord, err := learning.NewCoordinator(cfg.Learning, store, retriever, exec,
//	    learning.WithTracerProvider(tel.TracerProvider()),
//	    learning.WithMetrics(metrics))
//
// Exporters are gRPC by default and HTTP/protobuf when protocol is set to
// "http/protobuf". Insecure export is only accepted for local endpoints.
//
// Use NewTestTelemetry in tests for in-memory span and metric capture.
package telemetry
