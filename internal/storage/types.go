package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one delivery attempt to one channel.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	ChatID     int64     `json:"chat_id"`
	ThreadID   int       `json:"thread_id,omitempty"`
	MessageIDs []int     `json:"message_ids,omitempty"`
	Recipients []string  `json:"recipients"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

// RequestRecord is one accepted or rejected /mention request.
type RequestRecord struct {
	ID            string    `json:"id"`
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Channels      []string  `json:"channels"`
	Recipients    []string  `json:"recipients"`
	Repeat        int       `json:"repeat"`
	Created       []string  `json:"created,omitempty"`
	Error         string    `json:"error,omitempty"`
}
