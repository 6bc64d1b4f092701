// Package storage keeps an append-only audit trail of mention requests and
// deliveries.
//
// It is not a schedule store: pending repeat counts live in memory only and
// are not restored after a restart.
package storage
