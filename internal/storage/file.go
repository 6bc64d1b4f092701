package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "mentionbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl (append-only JSON Lines)
//   - <prefix>.requests.jsonl   (append-only JSON Lines)
//
// PruneBefore rewrites a file through a temp file and rename.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	deliveries *jsonlFile
	requests   *jsonlFile
}

type jsonlFile struct {
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	d, err := openJSONL(prefix + ".deliveries.jsonl")
	if err != nil {
		return nil, err
	}
	r, err := openJSONL(prefix + ".requests.jsonl")
	if err != nil {
		_ = d.f.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return &fileStore{log: log, deliveries: d, requests: r}, nil
}

func openJSONL(path string) (*jsonlFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &jsonlFile{path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, jf := range []*jsonlFile{s.deliveries, s.requests} {
		if jf != nil && jf.f != nil {
			errs = append(errs, jf.f.Close())
			jf.f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&r.ID, &r.At)
	return s.append(s.deliveries, r)
}

func (s *fileStore) AppendRequest(ctx context.Context, r RequestRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&r.ID, &r.At)
	return s.append(s.requests, r)
}

func (s *fileStore) append(jf *jsonlFile, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jf.f == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(jf.f).Encode(v)
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, jf := range []*jsonlFile{s.deliveries, s.requests} {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := jf.pruneLocked(cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		s.log.Debug("pruned audit records", logx.Int64("removed", total), logx.Time("cutoff", cutoff))
	}
	return total, nil
}

// pruneLocked keeps lines whose "at" is not before cutoff. Lines that do not
// decode are kept.
func (jf *jsonlFile) pruneLocked(cutoff time.Time) (int64, error) {
	if jf.f == nil {
		return 0, errors.New("audit file closed")
	}
	in, err := os.Open(jf.path)
	if err != nil {
		return 0, err
	}
	tmp := jf.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var removed int64
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		line := sc.Bytes()
		var rec struct {
			At time.Time `json:"at"`
		}
		if json.Unmarshal(line, &rec) == nil && !rec.At.IsZero() && rec.At.Before(cutoff) {
			removed++
			continue
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	scanErr := sc.Err()
	_ = in.Close()
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if scanErr != nil {
		_ = os.Remove(tmp)
		return 0, scanErr
	}
	if removed == 0 {
		return 0, os.Remove(tmp)
	}

	_ = jf.f.Close()
	jf.f = nil
	if err := os.Rename(tmp, jf.path); err != nil {
		return 0, err
	}
	nf, err := os.OpenFile(jf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	jf.f = nf
	return removed, nil
}
