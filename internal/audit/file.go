package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger writes audit records as append-only JSONL.
// Each record is a single JSON line followed by a newline.
// Thread-safe: multiple chains can log concurrently.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenFile opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func OpenFile(path string, logger *slog.Logger) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileLogger{file: f, logger: logger}, nil
}

// Write serializes r as JSON and appends it to the log.
// Marshal happens outside the lock; only the file write is serialized.
func (l *FileLogger) Write(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit record: %w", writeErr)
	}

	l.logger.DebugContext(ctx, "audit record written",
		slog.String("type", r.Type),
		slog.String("tool", r.Tool),
		slog.String("method", r.Method),
		slog.String("chain_id", r.ChainID),
	)
	return nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
