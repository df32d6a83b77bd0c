package reporting

import (
	"context"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter writes one JSON document per batch, newline delimited, as soon
// as the batch is published. It is thread safe.
type JSONReporter struct {
	mu      sync.Mutex
	writer  io.WriteCloser
	encoder *jsoniter.Encoder
	logger  *zap.Logger
	batches int
}

func NewJSONReporter(writer io.WriteCloser, logger *zap.Logger) *JSONReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONReporter{
		writer:  writer,
		encoder: json.NewEncoder(writer),
		logger:  logger.Named("json_reporter"),
	}
}

func (r *JSONReporter) Publish(ctx context.Context, b *vulnerability.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.encoder.Encode(b); err != nil {
		return fmt.Errorf("failed to encode vulnerability batch: %w", err)
	}
	r.batches++
	return nil
}

func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("Closing JSON report.", zap.Int("batches", r.batches))
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	return nil
}
