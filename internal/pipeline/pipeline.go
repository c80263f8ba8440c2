package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"epub-translator/internal/config"
	"epub-translator/internal/epub"
	"epub-translator/internal/translation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options are the per-run knobs. Zero values fall back to the configuration.
type Options struct {
	Input           string
	TargetLang      string
	Model           string
	SkipConvert     bool
	MaxCharsPerCall int
	PreviewLimit    int
	MaxWorkers      int
}

// Pipeline sequences one translation run: convert, unpack, extract, health
// check, batch, dispatch with resume, reassemble, repack.
type Pipeline struct {
	cfg     *config.Config
	logger  *logrus.Logger
	factory translation.TranslatorFactory
}

func New(cfg *config.Config, logger *logrus.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger}
}

// NewWithTranslator overrides the service-client factory, for tests and
// alternative backends.
func NewWithTranslator(cfg *config.Config, logger *logrus.Logger, factory translation.TranslatorFactory) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger, factory: factory}
}

// Run executes the full pipeline for opts.Input. Any fatal error leaves the
// checkpoint log intact for a future resume.
func (p *Pipeline) Run(ctx context.Context, opts Options) error {
	input, err := filepath.Abs(opts.Input)
	if err != nil {
		return err
	}
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("input not found: %s", input)
	}

	srcEPUB, cleanup, err := p.prepareSource(ctx, input, opts.SkipConvert)
	if err != nil {
		return err
	}
	defer cleanup()

	stem := strings.TrimSuffix(input, filepath.Ext(input))
	fullOut := fmt.Sprintf("%s.%s.translated.epub", stem, opts.TargetLang)
	previewOut := fmt.Sprintf("%s.%s.preview.epub", stem, opts.TargetLang)
	outPath := fullOut
	if opts.PreviewLimit > 0 {
		outPath = previewOut
	}

	workDir := filepath.Join(p.cfg.App.TempDir, "run-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("creating working tree: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := epub.Unpack(srcEPUB, workDir); err != nil {
		return err
	}

	extractor := epub.NewExtractor(p.logger)
	extraction, err := extractor.ExtractTree(workDir, opts.PreviewLimit)
	if err != nil {
		return err
	}

	factory := p.translatorFactory(opts)

	// Pre-flight probe: one short translation must succeed before any batch
	// is attempted.
	probe, err := translation.HealthCheck(ctx, factory(), opts.TargetLang)
	if err != nil {
		return err
	}
	selftestPath := stem + ".api-selftest.txt"
	if err := os.WriteFile(selftestPath, []byte(probe+"\n"), 0644); err != nil {
		return fmt.Errorf("writing self-test artifact: %w", err)
	}
	p.logger.Infof("Health check OK -> %s", selftestPath)

	if len(extraction.Fragments) == 0 {
		if err := epub.Repack(workDir, outPath); err != nil {
			return err
		}
		p.logger.Infof("No translatable text found; wrote unmodified archive: %s", outPath)
		return nil
	}

	p.logger.Infof("Translating %d fragments (text nodes + image alt text) across %d documents",
		len(extraction.Fragments), len(extraction.Documents))

	maxChars := opts.MaxCharsPerCall
	if maxChars <= 0 {
		maxChars = p.cfg.Translation.MaxCharsPerCall
	}
	batches, sliceCounts := translation.MakeBatches(extraction.Texts(), maxChars)
	p.logger.Debugf("Built %d batches (max %d chars per call)", len(batches), maxChars)

	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = p.cfg.Translation.MaxWorkers
	}

	ckpt := translation.NewCheckpointLog(filepath.Join(filepath.Dir(input), "translated_batches.jsonl"), p.logger)
	dispatcher := translation.NewDispatcher(factory, ckpt, opts.TargetLang, workers,
		p.cfg.Translation.MaxRetries, p.cfg.Translation.BackoffCap.Duration, p.logger)

	slices, err := dispatcher.Run(ctx, batches)
	if err != nil {
		return err
	}

	translations := translation.MergeSlices(slices, sliceCounts)
	if len(translations) != len(extraction.Fragments) {
		return fmt.Errorf("%w: merged %d translations for %d fragments",
			translation.ErrFragmentCountMismatch, len(translations), len(extraction.Fragments))
	}

	limit := len(extraction.Fragments)
	if opts.PreviewLimit > 0 {
		limit = opts.PreviewLimit
	}

	reassembler := epub.NewReassembler(p.logger)
	pairs, err := reassembler.Apply(extraction.Fragments, translations, limit)
	if err != nil {
		return err
	}
	if err := reassembler.WriteDocuments(extraction.Documents); err != nil {
		return err
	}

	if opts.PreviewLimit == 0 {
		if err := epub.UpdateLanguage(workDir, opts.TargetLang, p.logger); err != nil {
			p.logger.Warnf("Skipping package metadata update: %v", err)
		}
	}

	if err := epub.Repack(workDir, outPath); err != nil {
		return err
	}

	if opts.PreviewLimit > 0 {
		tsvPath := strings.TrimSuffix(outPath, ".epub") + ".tsv"
		if err := writeAlignmentTSV(tsvPath, pairs); err != nil {
			return err
		}
		p.logger.Infof("Preview output: %s", outPath)
		p.logger.Infof("Alignment table: %s", tsvPath)
		return nil
	}

	p.logger.Infof("Translated output: %s", outPath)
	return nil
}

// prepareSource resolves the EPUB to translate, converting MOBI input first.
// The returned cleanup removes any intermediate conversion artifact.
func (p *Pipeline) prepareSource(ctx context.Context, input string, skipConvert bool) (string, func(), error) {
	noop := func() {}
	ext := strings.ToLower(filepath.Ext(input))

	if ext == ".mobi" && !skipConvert {
		converted := strings.TrimSuffix(input, filepath.Ext(input)) + ".tmp.convert.epub"
		converter := NewConverter(p.logger)
		if err := converter.ConvertToEPUB(ctx, input, converted); err != nil {
			return "", noop, err
		}
		return converted, func() { _ = os.Remove(converted) }, nil
	}

	if ext != ".epub" {
		return "", noop, fmt.Errorf("unsupported input type %q: only .mobi and .epub are supported", ext)
	}
	return input, noop, nil
}

func (p *Pipeline) translatorFactory(opts Options) translation.TranslatorFactory {
	if p.factory != nil {
		return p.factory
	}

	model := opts.Model
	if model == "" {
		model = p.cfg.OpenAI.Model
	}
	cfg := p.cfg
	logger := p.logger
	return func() translation.Translator {
		return translation.NewClient(cfg.OpenAI.APIKey, model, cfg.OpenAI.MaxTokens,
			cfg.OpenAI.Temperature, cfg.OpenAI.RequestTimeout.Duration, logger)
	}
}

// writeAlignmentTSV emits one original/translated row per replaced fragment,
// with embedded newlines flattened to spaces.
func writeAlignmentTSV(path string, pairs []epub.ReplacedPair) error {
	var sb strings.Builder
	for _, pair := range pairs {
		sb.WriteString(flattenNewlines(pair.Original))
		sb.WriteByte('\t')
		sb.WriteString(flattenNewlines(pair.Translated))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing alignment table: %w", err)
	}
	return nil
}

func flattenNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", " "), "\n", " ")
}
