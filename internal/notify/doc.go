// Package notify delivers operator notifications for new and reopened alert
// groups and for finished suite runs.
//
// Events arrive from the bus and are rendered into HTML text. Delivery is
// delegated to a transport.Sender (the Telegram adapter in production).
//
// # Delivery
//
// Notifications pass through a bounded queue drained by a small worker pool.
// Sends share a token bucket, failed sends are retried with jittered
// exponential backoff, and identical notifications inside the dedup window
// are sent once. A full queue drops the notification and publishes
// notifier.dropped.
//
// # History
//
// The service keeps a small in-memory history of delivered texts.
package notify
