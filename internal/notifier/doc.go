// Package notifier posts mention messages to chats.
//
// A delivery renders every recipient as a Telegram HTML mention, expands
// configured roles into their members, and splits the result into as many
// messages as the platform length limit requires. Sends share one global
// rate limiter.
//
// # Expiry
//
// Posted messages are deleted again after the configured delete delay.
// Pending deletions are tracked so Stop can flush them instead of leaving
// stale mentions behind.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recent deliveries; /mentions renders it.
package notifier
