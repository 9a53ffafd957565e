// Package logging provides structured logging utilities with context propagation.
//
// This package wraps the standard library's log/slog package with helper
// functions shared by the worker and trigger binaries.
//
// Key features:
//   - JSON and text output formats
//   - Job ID propagation
//   - Context-aware logging
//   - Configurable log levels
//
// Example usage:
//
//	func main() {
//	    logger := logging.NewLogger()
//	    slog.SetDefault(logger)
//	}
//
//	func handle(ctx context.Context, job *queue.Job) error {
//	    ctx = logging.WithJobID(ctx, job.ID)
//	    logging.ForJob(ctx, slog.Default()).Info("processing job")
//	    return nil
//	}
package logging
