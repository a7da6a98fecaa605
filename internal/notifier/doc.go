// Package notifier delivers monitor notifications.
//
// Service implements monitor.Sink. Each call renders the matches into a
// Notification and queues it; a worker pool drains the queue under a shared
// rate limit and hands every Notification to each configured Transport,
// retrying failures with jittered exponential backoff.
//
// Identical notifications inside DedupWindow are suppressed. With
// PersistDedup and a storage.Store the window survives restarts.
//
// Health checks only reach transports that have health recipients. When
// none do, the check is logged and dropped.
package notifier
