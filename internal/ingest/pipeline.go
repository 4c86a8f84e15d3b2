// Package ingest streams MediaWiki dumps into cleaned, batched records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("knowledged.ingest")

// Defaults applied by NewPipeline to zero-valued options.
const (
	DefaultBatchSize          = 100
	DefaultMinContentLength   = 100
	DefaultSummaryMaxLength   = 500
	DefaultEstimatedPageBytes = 4096
)

// ErrStop may be returned by a BatchFunc to end Run early without error.
var ErrStop = errors.New("stop ingestion")

// Options configures a Pipeline.
type Options struct {
	BatchSize        int
	MaxItems         int
	MinContentLength int
	SummaryMaxLength int
	MetaPrefixes     []string
	RedirectMarkers  []string
	ArticleURLBase   string
	Language         string
	SourceName       string
	// EstimatedTotal overrides the page count estimate used for progress.
	EstimatedTotal     int
	EstimatedPageBytes int64
}

// OptionsFromConfig maps the ingest section of the configuration.
func OptionsFromConfig(cfg config.IngestConfig) Options {
	return Options{
		BatchSize:          cfg.BatchSize,
		MinContentLength:   cfg.MinContentLength,
		SummaryMaxLength:   cfg.SummaryMaxLength,
		MetaPrefixes:       cfg.MetaPrefixes,
		RedirectMarkers:    cfg.RedirectMarkers,
		ArticleURLBase:     cfg.ArticleURLBase,
		Language:           cfg.Language,
		SourceName:         cfg.SourceName,
		EstimatedPageBytes: cfg.EstimatedPageBytes,
	}
}

// Stats counts what a run has seen so far.
type Stats struct {
	Parsed    int `json:"parsed"`
	Accepted  int `json:"accepted"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Batches   int `json:"batches"`
	TagErrors int `json:"tag_errors"`
}

// Batch is handed to the BatchFunc once per BatchSize accepted records.
type Batch struct {
	Index   int
	Records []Record
	Stats   Stats
}

// BatchFunc consumes one batch. Returning ErrStop ends the run cleanly; any
// other error aborts it.
type BatchFunc func(ctx context.Context, b Batch) error

// Tagger assigns a category to a record, typically by calling an external
// topic classifier.
type Tagger interface {
	Tag(ctx context.Context, r Record) (string, error)
}

// TaggerFunc adapts a function to Tagger.
type TaggerFunc func(ctx context.Context, r Record) (string, error)

// Tag calls f.
func (f TaggerFunc) Tag(ctx context.Context, r Record) (string, error) { return f(ctx, r) }

// Pipeline filters, cleans and batches pages from a dump.
type Pipeline struct {
	opts    Options
	filter  Filter
	cleaner *Cleaner
	tagger  Tagger
	logger  *logging.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTagger installs a category tagger. Tag failures are counted and the
// record is kept untagged.
func WithTagger(t Tagger) Option {
	return func(p *Pipeline) { p.tagger = t }
}

// WithCleaner replaces the default markup cleaner.
func WithCleaner(c *Cleaner) Option {
	return func(p *Pipeline) { p.cleaner = c }
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options, logger *logging.Logger, options ...Option) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MinContentLength < 0 {
		opts.MinContentLength = 0
	}
	if opts.SummaryMaxLength <= 0 {
		opts.SummaryMaxLength = DefaultSummaryMaxLength
	}
	if opts.EstimatedPageBytes <= 0 {
		opts.EstimatedPageBytes = DefaultEstimatedPageBytes
	}
	if opts.MetaPrefixes == nil {
		opts.MetaPrefixes = config.DefaultMetaPrefixes
	}
	if opts.RedirectMarkers == nil {
		opts.RedirectMarkers = []string{"#REDIRECT", "#転送"}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pipeline{
		opts: opts,
		filter: Filter{
			MetaPrefixes:     opts.MetaPrefixes,
			RedirectMarkers:  opts.RedirectMarkers,
			MinContentLength: opts.MinContentLength,
		},
		cleaner: NewCleaner(nil),
		logger:  logger.Named("ingest"),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Options returns the effective options.
func (p *Pipeline) Options() Options { return p.opts }

// EstimateTotal returns the expected page count for a source of sourceBytes:
// the configured estimate, else MaxItems, else size divided by the average
// page size. Zero means unknown.
func (p *Pipeline) EstimateTotal(sourceBytes int64) int {
	switch {
	case p.opts.EstimatedTotal > 0:
		return p.opts.EstimatedTotal
	case p.opts.MaxItems > 0:
		return p.opts.MaxItems
	case sourceBytes > 0:
		n := int(sourceBytes / p.opts.EstimatedPageBytes)
		if n == 0 {
			n = 1
		}
		return n
	}
	return 0
}

// Process filters and cleans one page. ok is false when the page is
// rejected.
func (p *Pipeline) Process(page RawPage) (rec Record, ok bool) {
	if !p.filter.IsArticle(page.Title) {
		return Record{}, false
	}
	if page.Redirect != "" || p.filter.IsRedirect(page.Text) {
		return Record{}, false
	}
	content := p.cleaner.Clean(page.Text)
	if !p.filter.LongEnough(content) {
		return Record{}, false
	}
	md := map[string]string{
		MetaRawLength:   itoa(utf8.RuneCountInString(page.Text)),
		MetaCleanLength: itoa(utf8.RuneCountInString(content)),
	}
	if p.opts.SourceName != "" {
		md[MetaSource] = p.opts.SourceName
	}
	if p.opts.Language != "" {
		md[MetaLang] = p.opts.Language
	}
	return Record{
		ExternalID: page.ID,
		Title:      page.Title,
		Content:    content,
		Summary:    ExtractSummary(content, p.opts.SummaryMaxLength),
		URL:        ArticleURL(p.opts.ArticleURLBase, page.Title),
		Metadata:   md,
	}, true
}

// Run streams src through the filters and hands full batches to fn. The
// trailing partial batch is flushed at end of stream. Context cancellation
// is checked between pages.
func (p *Pipeline) Run(ctx context.Context, src io.Reader, fn BatchFunc) (Stats, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()

	var stats Stats
	dec := NewDecoder(src)
	batch := make([]Record, 0, p.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stats.Batches++
		err := fn(ctx, Batch{Index: stats.Batches, Records: batch, Stats: stats})
		batch = make([]Record, 0, p.opts.BatchSize)
		return err
	}
	done := func(err error) (Stats, error) {
		span.SetAttributes(
			attribute.Int("parsed", stats.Parsed),
			attribute.Int("accepted", stats.Accepted),
			attribute.Int("batches", stats.Batches),
		)
		if errors.Is(err, ErrStop) {
			err = nil
		}
		if err != nil {
			span.RecordError(err)
		}
		p.logger.Info(ctx, "ingestion finished",
			zap.Int("parsed", stats.Parsed),
			zap.Int("accepted", stats.Accepted),
			zap.Int("skipped", stats.Skipped),
			zap.Int("errors", stats.Errors),
			zap.Int("batches", stats.Batches))
		return stats, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return done(err)
		}
		if p.opts.MaxItems > 0 && stats.Accepted >= p.opts.MaxItems {
			p.logger.Info(ctx, "max items reached", zap.Int("max_items", p.opts.MaxItems))
			break
		}

		page, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.Errors++
			if ferr := flush(); ferr != nil {
				return done(ferr)
			}
			return done(fmt.Errorf("after %d pages: %w", stats.Parsed, err))
		}
		stats.Parsed++

		rec, ok := p.Process(page)
		if !ok {
			stats.Skipped++
			continue
		}
		if p.tagger != nil {
			category, err := p.tagger.Tag(ctx, rec)
			if err != nil {
				stats.TagErrors++
				p.logger.Debug(ctx, "tagging failed", zap.String("title", rec.Title), zap.Error(err))
			} else {
				rec.Category = category
			}
		}
		stats.Accepted++
		batch = append(batch, rec)

		if stats.Parsed%10000 == 0 {
			p.logger.Info(ctx, "ingestion progress",
				zap.Int("parsed", stats.Parsed),
				zap.Int("accepted", stats.Accepted),
				zap.Int("skipped", stats.Skipped))
		}

		if len(batch) >= p.opts.BatchSize {
			if err := flush(); err != nil {
				return done(err)
			}
		}
	}
	return done(flush())
}
