package translation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// CheckpointRecord is one line of the append-only checkpoint log. A batch is
// considered done iff its last record has OK=true and the part count matches
// the batch's segment count.
type CheckpointRecord struct {
	Batch int      `json:"batch"`
	OK    bool     `json:"ok"`
	Parts []string `json:"parts,omitempty"`
	Error string   `json:"error,omitempty"`
}

// CheckpointLog is the durable batch-completion log. It is the sole source of
// truth for resume: the file is append-only, never truncated or rewritten.
// Appends are serialized by an in-process mutex and a file lock, so concurrent
// workers (or a leftover writer from a crashed run) cannot interleave lines.
type CheckpointLog struct {
	path   string
	logger *logrus.Logger

	mu  sync.Mutex
	flk *flock.Flock
}

func NewCheckpointLog(path string, logger *logrus.Logger) *CheckpointLog {
	return &CheckpointLog{
		path:   path,
		logger: logger,
		flk:    flock.New(path + ".lock"),
	}
}

// Path returns the log file location.
func (l *CheckpointLog) Path() string {
	return l.path
}

// Load replays the log and returns the completed parts per batch index.
// Later records for the same index win: a trailing OK=false record clears an
// earlier success. Malformed lines are skipped. A missing file is an empty
// log.
func (l *CheckpointLog) Load() (map[int][]string, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int][]string{}, nil
		}
		return nil, fmt.Errorf("opening checkpoint log: %w", err)
	}
	defer func() { _ = file.Close() }()

	done := make(map[int][]string)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		var rec CheckpointRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			l.logger.Debugf("Skipping malformed checkpoint line %d: %v", line, err)
			continue
		}
		if rec.Batch <= 0 {
			continue
		}
		if rec.OK && len(rec.Parts) > 0 {
			done[rec.Batch] = rec.Parts
		} else {
			delete(done, rec.Batch)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checkpoint log: %w", err)
	}

	return done, nil
}

// Append writes one record as a single JSON line.
func (l *CheckpointLog) Append(rec CheckpointRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flk.Lock(); err != nil {
		return fmt.Errorf("locking checkpoint log: %w", err)
	}
	defer func() { _ = l.flk.Unlock() }()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding checkpoint record: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening checkpoint log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending checkpoint record: %w", err)
	}
	return file.Sync()
}
