package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "mentionbot/pkg/logx"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id          TEXT PRIMARY KEY,
	at          INTEGER NOT NULL,
	chat_id     INTEGER NOT NULL,
	thread_id   INTEGER NOT NULL DEFAULT 0,
	message_ids TEXT,
	recipients  TEXT NOT NULL,
	ok          INTEGER NOT NULL,
	err         TEXT,
	took_ms     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS deliveries_at ON deliveries(at);

CREATE TABLE IF NOT EXISTS requests (
	id             TEXT PRIMARY KEY,
	at             INTEGER NOT NULL,
	actor_id       INTEGER NOT NULL,
	actor_username TEXT,
	chat_id        INTEGER NOT NULL,
	thread_id      INTEGER NOT NULL DEFAULT 0,
	channels       TEXT NOT NULL,
	recipients     TEXT NOT NULL,
	repeat         INTEGER NOT NULL,
	created        TEXT,
	err            TEXT
);
CREATE INDEX IF NOT EXISTS requests_at ON requests(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	stamp(&r.ID, &r.At)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, at, chat_id, thread_id, message_ids, recipients, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.At.UnixMilli(), r.ChatID, r.ThreadID, jsonOrNil(r.MessageIDs), mustJSON(r.Recipients),
		r.OK, nullStr(r.Error), r.TookMS,
	)
	return err
}

func (s *sqliteStore) AppendRequest(ctx context.Context, r RequestRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	stamp(&r.ID, &r.At)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(id, at, actor_id, actor_username, chat_id, thread_id, channels, recipients, repeat, created, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.At.UnixMilli(), r.ActorID, nullStr(r.ActorUsername), r.ChatID, r.ThreadID,
		mustJSON(r.Channels), mustJSON(r.Recipients), r.Repeat, jsonOrNil(r.Created), nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ms := cutoff.UnixMilli()
	var total int64
	for _, table := range []string{"deliveries", "requests"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at < ?`, ms)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsonOrNil[T any](v []T) any {
	if len(v) == 0 {
		return nil
	}
	return mustJSON(v)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
