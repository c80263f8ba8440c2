package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBatchExhausted marks a batch whose retry budget ran out. The run
	// fails once all in-flight workers finish.
	ErrBatchExhausted = errors.New("batch retries exhausted")
	// ErrFragmentCountMismatch marks a violated count invariant: the
	// translated output does not line up one-to-one with the input. Never
	// padded or truncated away.
	ErrFragmentCountMismatch = errors.New("fragment count mismatch")
)

// batchDelimiter separates segments inside one composite request and inside
// the expected response.
const batchDelimiter = "\n---\n"

// maxWorkerCeiling is the hard cap on concurrent batch workers, applied
// regardless of the configured value.
const maxWorkerCeiling = 25

// Dispatcher sends batches to the translation service under bounded
// parallelism, with per-batch retry/backoff and durable checkpointing.
// Already-checkpointed batches are skipped on resume.
type Dispatcher struct {
	factory    TranslatorFactory
	ckpt       *CheckpointLog
	logger     *logrus.Logger
	targetLang string
	maxWorkers int
	maxRetries int
	backoffCap time.Duration
}

func NewDispatcher(factory TranslatorFactory, ckpt *CheckpointLog, targetLang string, maxWorkers, maxRetries int, backoffCap time.Duration, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		factory:    factory,
		ckpt:       ckpt,
		logger:     logger,
		targetLang: targetLang,
		maxWorkers: maxWorkers,
		maxRetries: maxRetries,
		backoffCap: backoffCap,
	}
}

// Run translates all batches and returns the flattened segments in batch
// index order. Completion order across workers is unconstrained; ordering is
// restored here. Any exhausted batch fails the whole run after the remaining
// workers finish.
func (d *Dispatcher) Run(ctx context.Context, batches []Batch) ([]string, error) {
	done, err := d.ckpt.Load()
	if err != nil {
		return nil, err
	}

	// results is indexed by batch position; workers write disjoint slots.
	results := make([][]string, len(batches))
	var pending []Batch
	for i, b := range batches {
		parts, ok := done[b.Index]
		if ok && len(parts) == len(b.Segments) {
			results[i] = parts
			continue
		}
		if ok {
			d.logger.Warnf("Checkpoint for batch %d has %d parts, want %d; re-translating", b.Index, len(parts), len(b.Segments))
		}
		pending = append(pending, b)
	}

	if len(pending) > 0 {
		workers := d.maxWorkers
		if workers < 1 {
			workers = 1
		}
		if workers > maxWorkerCeiling {
			workers = maxWorkerCeiling
		}
		if workers > len(pending) {
			workers = len(pending)
		}
		d.logger.Infof("Dispatching %d pending batches (%d already checkpointed, %d workers)", len(pending), len(batches)-len(pending), workers)

		jobs := make(chan Batch)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var errs []error

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr := d.factory()
				for b := range jobs {
					parts, err := d.translateBatch(ctx, tr, b)
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						continue
					}
					results[b.Index-1] = parts
					d.logger.Infof("Batch %d done (%d segments)", b.Index, len(parts))
				}
			}()
		}

	feed:
		for _, b := range pending {
			select {
			case jobs <- b:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(errs) > 0 {
			return nil, errs[0]
		}
	}

	var out []string
	for i, b := range batches {
		if results[i] == nil {
			return nil, fmt.Errorf("%w: no result for batch %d", ErrFragmentCountMismatch, b.Index)
		}
		out = append(out, results[i]...)
	}

	if total := TotalSegments(batches); len(out) != total {
		return nil, fmt.Errorf("%w: translated %d segments, want %d", ErrFragmentCountMismatch, len(out), total)
	}

	return out, nil
}

// translateBatch runs one batch to completion or exhaustion. Every attempt
// sends the full composite request; transient failures back off and retry
// locally and never surface individually.
func (d *Dispatcher) translateBatch(ctx context.Context, tr Translator, b Batch) ([]string, error) {
	systemPrompt := SystemPrompt(d.targetLang)
	userPrompt := "Translate each segment below, preserving order. " +
		"Segments are separated by a line with only '---'. " +
		"Output MUST contain the same number of segments, also separated by single lines '---', " +
		"with no extra text.\n\n" + strings.Join(b.Segments, batchDelimiter)

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		parts, err := d.attempt(ctx, tr, systemPrompt, userPrompt, len(b.Segments))
		if err == nil {
			if ckptErr := d.ckpt.Append(CheckpointRecord{Batch: b.Index, OK: true, Parts: parts}); ckptErr != nil {
				return nil, fmt.Errorf("checkpointing batch %d: %w", b.Index, ckptErr)
			}
			return parts, nil
		}

		wait := backoffDelay(attempt, d.backoffCap)
		d.logger.Warnf("Batch %d attempt %d failed: %v; retrying in %s", b.Index, attempt, err, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if ckptErr := d.ckpt.Append(CheckpointRecord{Batch: b.Index, OK: false, Error: "max retries reached"}); ckptErr != nil {
		d.logger.Errorf("Failed to checkpoint exhausted batch %d: %v", b.Index, ckptErr)
	}
	return nil, fmt.Errorf("batch %d: %w", b.Index, ErrBatchExhausted)
}

func (d *Dispatcher) attempt(ctx context.Context, tr Translator, systemPrompt, userPrompt string, want int) ([]string, error) {
	out, err := tr.Translate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return nil, fmt.Errorf("empty response")
	}

	return splitResponse(out, want)
}

// splitResponse splits a response into exactly want segments: first on the
// delimiter line, then falling back to non-empty lines. Any other count is a
// failed attempt, never padded or truncated.
func splitResponse(out string, want int) ([]string, error) {
	parts := strings.Split(out, batchDelimiter)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == want {
		return parts, nil
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == want {
		return lines, nil
	}

	return nil, fmt.Errorf("segment count mismatch: want %d, got %d (line fallback %d)", want, len(parts), len(lines))
}

// backoffDelay is min(2^attempt, cap) seconds plus a linear 200ms*attempt
// component to spread concurrent retries.
func backoffDelay(attempt int, capDelay time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > capDelay || d <= 0 {
		d = capDelay
	}
	return d + time.Duration(attempt)*200*time.Millisecond
}

// SystemPrompt is the fixed translation instruction sent with every batch.
func SystemPrompt(targetLang string) string {
	return "You are a professional book translator. " +
		fmt.Sprintf("Translate the user's text into %s.\n", targetLang) +
		"Rules:\n" +
		"1) Preserve meaning, tone, and literary style.\n" +
		"2) Do NOT add commentary.\n" +
		"3) Keep inline punctuation and spacing natural for the target language.\n" +
		"4) Return translations in the SAME order, one per segment, aligned with inputs.\n" +
		"5) Do not translate HTML/XML tags or entities; only translate human-readable text.\n" +
		"6) CRITICAL: Preserve all ENGLISH proper nouns (people names, places, organizations, product/series titles) " +
		"EXACTLY as in the source (no translation, no transliteration). Examples: 'Nora Sutherlin', 'New York', " +
		"'Harlequin Enterprises Limited'."
}
