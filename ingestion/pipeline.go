// Package ingestion turns dataset records into embeddable fragments.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aqua777/go-reviewrag/schema"
	"github.com/aqua777/go-reviewrag/textsplitter"
)

// ChunkRecords splits the text field of every record into fragments.
// Records whose text is blank (missing, nil or NaN) are skipped. Each fragment
// carries a copy of its record plus chunk_index, its position within the record.
// Output order is record order, then chunk order.
func ChunkRecords(records []schema.Record, textField string, splitter textsplitter.TextSplitter) []schema.Fragment {
	var fragments []schema.Fragment
	for _, rec := range records {
		for i, chunk := range splitter.SplitText(rec.Text(textField)) {
			meta := rec.Clone()
			meta[schema.ChunkIndexKey] = i
			fragments = append(fragments, schema.Fragment{Content: chunk, Metadata: meta})
		}
	}
	return fragments
}

// Pipeline chunks records with a fixed splitter and text field.
type Pipeline struct {
	textField string
	splitter  textsplitter.TextSplitter
	logger    *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSplitter sets the splitter. The default is a recursive character splitter
// with chunk size 500 and overlap 50.
func WithSplitter(splitter textsplitter.TextSplitter) PipelineOption {
	return func(p *Pipeline) {
		p.splitter = splitter
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a pipeline reading textField from each record.
func NewPipeline(textField string, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		textField: textField,
		splitter:  textsplitter.NewRecursiveCharacterSplitter(textsplitter.DefaultRecursiveChunkSize, 50),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TextField returns the field the pipeline reads.
func (p *Pipeline) TextField() string {
	return p.textField
}

// Run chunks records. It only fails when ctx is done.
func (p *Pipeline) Run(ctx context.Context, records []schema.Record) ([]schema.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("chunking records: %w", err)
	}

	start := time.Now()
	fragments := ChunkRecords(records, p.textField, p.splitter)

	p.logger.Info("chunked records",
		"records", len(records),
		"fragments", len(fragments),
		"text_field", p.textField,
		"elapsed", time.Since(start))
	return fragments, nil
}
