// Package tracing provides OpenTelemetry tracing integration.
//
// Processes call InitTracer once at start-up. Delivery jobs and channel
// sends open spans through GetTracer, and the ops HTTP server is wrapped in
// Middleware.
//
//	shutdown := tracing.InitTracer(0.1)
//	defer func() { _ = shutdown(context.Background()) }()
package tracing
