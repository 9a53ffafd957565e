// Package resilience groups the fault tolerance helpers used by the
// delivery pipeline.
//
// Subpackages:
//   - circuitbreaker: per-channel breakers around outbound sends
//   - retry: exponential backoff for connection setup and queue attempts
//
// Usage Example:
//
//	cb := circuitbreaker.New(circuitbreaker.ChannelConfig("webhook-7"))
//	_, err := cb.Execute(func() (interface{}, error) {
//	    return nil, send()
//	})
//
//	err = retry.WithBackoff(ctx, retry.ConnectConfig(), func() error {
//	    return client.Ping(ctx).Err()
//	})
package resilience
