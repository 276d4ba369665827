package diag

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "devicepool/pkg/logx"
)

// fileStore is a dependency-free sink.
//
// Files:
//   - <prefix>.logs.jsonl (append-only JSON Lines)
//   - <prefix>.jobs.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	logsFile *os.File
	jobsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Sink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("diagnostics.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lf, err := os.OpenFile(prefix+".logs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(prefix+".jobs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lf.Close()
		return nil, err
	}
	log.Debug("file diagnostics opened", logx.String("prefix", prefix))
	return &fileStore{log: log, logsFile: lf, jobsFile: jf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.logsFile != nil {
		err1 = s.logsFile.Close()
		s.logsFile = nil
	}
	if s.jobsFile != nil {
		err2 = s.jobsFile.Close()
		s.jobsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendLog(ctx context.Context, r LogRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.logsFile).Encode(r)
}

func (s *fileStore) AppendJob(ctx context.Context, r JobRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.jobsFile).Encode(r)
}
