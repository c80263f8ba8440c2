package translation

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTranslator scripts responses per call. Safe for concurrent use.
type fakeTranslator struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, systemPrompt, userPrompt string) (string, error)
}

func (f *fakeTranslator) Translate(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.respond(call, systemPrompt, userPrompt)
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// payloadSegments recovers the request's segments from the composite prompt.
func payloadSegments(userPrompt string) []string {
	idx := strings.Index(userPrompt, "\n\n")
	if idx < 0 {
		return nil
	}
	return strings.Split(userPrompt[idx+2:], batchDelimiter)
}

// echoTranslate responds correctly: same segment count, tagged, delimited.
func echoTranslate(_ int, _ string, userPrompt string) (string, error) {
	segments := payloadSegments(userPrompt)
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = "T:" + s
	}
	return strings.Join(out, batchDelimiter), nil
}

func newTestDispatcher(t *testing.T, fake *fakeTranslator, maxRetries int) (*Dispatcher, *CheckpointLog) {
	t.Helper()
	ckpt := newTestLog(t)
	factory := func() Translator { return fake }
	d := NewDispatcher(factory, ckpt, "zh-TW", 4, maxRetries, time.Millisecond, testLogger())
	return d, ckpt
}

func TestDispatcherTranslatesAllBatches(t *testing.T) {
	fake := &fakeTranslator{respond: echoTranslate}
	d, ckpt := newTestDispatcher(t, fake, 3)

	batches, _ := MakeBatches([]string{"Hello", "World", "Again"}, 12)
	out, err := d.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"T:Hello", "T:World", "T:Again"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}

	done, err := ckpt.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(done) != len(batches) {
		t.Fatalf("checkpointed batches = %d, want %d", len(done), len(batches))
	}
}

func TestDispatcherLineFallbackSplit(t *testing.T) {
	fake := &fakeTranslator{respond: func(_ int, _ string, userPrompt string) (string, error) {
		segments := payloadSegments(userPrompt)
		out := make([]string, len(segments))
		for i, s := range segments {
			out[i] = "T:" + s
		}
		// No delimiter lines; one translation per non-empty line.
		return strings.Join(out, "\n"), nil
	}}
	d, _ := newTestDispatcher(t, fake, 3)

	batches, _ := MakeBatches([]string{"one", "two"}, 100)
	out, err := d.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out, []string{"T:one", "T:two"}) {
		t.Fatalf("out = %v", out)
	}
}

func TestDispatcherRetriesOnMismatch(t *testing.T) {
	fake := &fakeTranslator{respond: func(call int, systemPrompt, userPrompt string) (string, error) {
		if call == 1 {
			return "only one segment", nil
		}
		return echoTranslate(call, systemPrompt, userPrompt)
	}}
	d, _ := newTestDispatcher(t, fake, 3)

	batches, _ := MakeBatches([]string{"alpha", "beta"}, 100)
	out, err := d.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out, []string{"T:alpha", "T:beta"}) {
		t.Fatalf("out = %v", out)
	}
	if fake.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fake.callCount())
	}
}

func TestDispatcherRetriesOnTransportError(t *testing.T) {
	fake := &fakeTranslator{respond: func(call int, systemPrompt, userPrompt string) (string, error) {
		if call == 1 {
			return "", errors.New("connection reset")
		}
		return echoTranslate(call, systemPrompt, userPrompt)
	}}
	d, _ := newTestDispatcher(t, fake, 3)

	batches, _ := MakeBatches([]string{"alpha"}, 100)
	if _, err := d.Run(context.Background(), batches); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	fake := &fakeTranslator{respond: func(int, string, string) (string, error) {
		return "", errors.New("always down")
	}}
	d, ckpt := newTestDispatcher(t, fake, 2)

	batches, _ := MakeBatches([]string{"doomed"}, 100)
	_, err := d.Run(context.Background(), batches)
	if !errors.Is(err, ErrBatchExhausted) {
		t.Fatalf("err = %v, want ErrBatchExhausted", err)
	}
	if fake.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fake.callCount())
	}

	// The failure itself is recorded, keeping the log authoritative for resume.
	data, readErr := os.ReadFile(ckpt.Path())
	if readErr != nil {
		t.Fatalf("reading log: %v", readErr)
	}
	if !strings.Contains(string(data), `"ok":false`) {
		t.Fatalf("log missing failure record: %s", data)
	}
}

func TestDispatcherResumeSkipsDoneBatches(t *testing.T) {
	fake := &fakeTranslator{respond: echoTranslate}
	d, ckpt := newTestDispatcher(t, fake, 3)

	// Two single-segment batches; batch 1 already checkpointed.
	batches, _ := MakeBatches([]string{"aaa", "bbb"}, 4)
	if len(batches) != 2 {
		t.Fatalf("batch count = %d, want 2", len(batches))
	}
	if err := ckpt.Append(CheckpointRecord{Batch: 1, OK: true, Parts: []string{"FROM-LOG"}}); err != nil {
		t.Fatal(err)
	}

	out, err := d.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out, []string{"FROM-LOG", "T:bbb"}) {
		t.Fatalf("out = %v", out)
	}
	if fake.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (batch 1 must not be re-sent)", fake.callCount())
	}
}

func TestDispatcherIgnoresStaleCheckpoint(t *testing.T) {
	fake := &fakeTranslator{respond: echoTranslate}
	d, ckpt := newTestDispatcher(t, fake, 3)

	batches, _ := MakeBatches([]string{"one", "two"}, 100)
	// Part count disagrees with the current batching geometry.
	if err := ckpt.Append(CheckpointRecord{Batch: 1, OK: true, Parts: []string{"stale"}}); err != nil {
		t.Fatal(err)
	}

	out, err := d.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out, []string{"T:one", "T:two"}) {
		t.Fatalf("out = %v", out)
	}
}

func TestSplitResponse(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    int
		parts   []string
		wantErr bool
	}{
		{"delimiter split", "a\n---\nb", 2, []string{"a", "b"}, false},
		{"delimiter split trims", " a \n---\n b ", 2, []string{"a", "b"}, false},
		{"line fallback", "a\nb\n\nc", 3, []string{"a", "b", "c"}, false},
		{"both mismatch", "a\n---\nb", 3, nil, true},
		{"single segment", "whole response", 1, []string{"whole response"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := splitResponse(tt.out, tt.want)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", parts)
				}
				return
			}
			if err != nil {
				t.Fatalf("splitResponse: %v", err)
			}
			if !reflect.DeepEqual(parts, tt.parts) {
				t.Fatalf("parts = %v, want %v", parts, tt.parts)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	cap := 30 * time.Second

	if got := backoffDelay(1, cap); got != 2*time.Second+200*time.Millisecond {
		t.Errorf("attempt 1 = %s", got)
	}
	if got := backoffDelay(3, cap); got != 8*time.Second+600*time.Millisecond {
		t.Errorf("attempt 3 = %s", got)
	}
	// Exponential component is capped; the linear component keeps growing.
	if got := backoffDelay(7, cap); got != 30*time.Second+1400*time.Millisecond {
		t.Errorf("attempt 7 = %s", got)
	}
}

func TestHealthCheck(t *testing.T) {
	ok := &fakeTranslator{respond: func(int, string, string) (string, error) {
		return "  翻譯健康檢查  ", nil
	}}
	text, err := HealthCheck(context.Background(), ok, "zh-TW")
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if text != "翻譯健康檢查" {
		t.Fatalf("text = %q", text)
	}

	empty := &fakeTranslator{respond: func(int, string, string) (string, error) {
		return "   ", nil
	}}
	if _, err := HealthCheck(context.Background(), empty, "zh-TW"); !errors.Is(err, ErrHealthCheck) {
		t.Fatalf("err = %v, want ErrHealthCheck", err)
	}

	down := &fakeTranslator{respond: func(int, string, string) (string, error) {
		return "", errors.New("dial tcp: timeout")
	}}
	if _, err := HealthCheck(context.Background(), down, "zh-TW"); !errors.Is(err, ErrHealthCheck) {
		t.Fatalf("err = %v, want ErrHealthCheck", err)
	}
}
