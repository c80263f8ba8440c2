package translation

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestLog(t *testing.T) *CheckpointLog {
	t.Helper()
	return NewCheckpointLog(filepath.Join(t.TempDir(), "translated_batches.jsonl"), testLogger())
}

func TestCheckpointLoadMissingFile(t *testing.T) {
	log := newTestLog(t)
	done, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(done) != 0 {
		t.Fatalf("done = %v, want empty", done)
	}
}

func TestCheckpointAppendLoad(t *testing.T) {
	log := newTestLog(t)

	records := []CheckpointRecord{
		{Batch: 1, OK: true, Parts: []string{"a", "b"}},
		{Batch: 3, OK: true, Parts: []string{"c"}},
		{Batch: 2, OK: false, Error: "max retries reached"},
	}
	for _, rec := range records {
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	done, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := map[int][]string{
		1: {"a", "b"},
		3: {"c"},
	}
	if !reflect.DeepEqual(done, want) {
		t.Fatalf("done = %v, want %v", done, want)
	}
}

func TestCheckpointLastRecordWins(t *testing.T) {
	log := newTestLog(t)

	_ = log.Append(CheckpointRecord{Batch: 1, OK: true, Parts: []string{"old"}})
	_ = log.Append(CheckpointRecord{Batch: 1, OK: false, Error: "boom"})

	done, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := done[1]; ok {
		t.Fatalf("batch 1 considered done after trailing failure record: %v", done)
	}

	_ = log.Append(CheckpointRecord{Batch: 1, OK: true, Parts: []string{"new"}})
	done, _ = log.Load()
	if !reflect.DeepEqual(done[1], []string{"new"}) {
		t.Fatalf("done[1] = %v, want [new]", done[1])
	}
}

func TestCheckpointSkipsMalformedLines(t *testing.T) {
	log := newTestLog(t)
	_ = log.Append(CheckpointRecord{Batch: 1, OK: true, Parts: []string{"a"}})

	f, err := os.OpenFile(log.Path(), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_ = log.Append(CheckpointRecord{Batch: 2, OK: true, Parts: []string{"b"}})

	done, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := map[int][]string{1: {"a"}, 2: {"b"}}
	if !reflect.DeepEqual(done, want) {
		t.Fatalf("done = %v, want %v", done, want)
	}
}

func TestCheckpointConcurrentAppends(t *testing.T) {
	log := newTestLog(t)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = log.Append(CheckpointRecord{Batch: i, OK: true, Parts: []string{"p"}})
		}(i)
	}
	wg.Wait()

	// Every append must land on its own line, uncorrupted.
	data, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("line count = %d, want 20", len(lines))
	}

	done, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(done) != 20 {
		t.Fatalf("done count = %d, want 20", len(done))
	}
}
