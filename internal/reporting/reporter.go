// File: internal/reporting/reporter.go

// Package reporting delivers finished vulnerability batches: as JSON lines, as
// one SARIF log, or as structured log entries.
package reporting

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// Output formats accepted by New.
const (
	FormatJSON  = "json"
	FormatSARIF = "sarif"
	FormatLog   = "log"
)

// Reporter is a vulnerability.Publisher that owns an output.
type Reporter interface {
	vulnerability.Publisher
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath. An empty path or
// "stdout" writes to standard output.
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format == FormatLog {
		return NewLogReporter(logger), nil
	}
	if format != FormatJSON && format != FormatSARIF {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	if format == FormatSARIF {
		return NewSARIFReporter(writer, toolVersion, logger), nil
	}
	return NewJSONReporter(writer, logger), nil
}

// Multi fans a batch out to several reporters. Publish and Close visit every
// reporter and combine their errors.
type Multi []Reporter

func (m Multi) Publish(ctx context.Context, b *vulnerability.Batch) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Publish(ctx, b))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Close())
	}
	return err
}

type nopCloser struct {
	vulnerability.Publisher
}

func (nopCloser) Close() error { return nil }

// NopCloser returns a Reporter that publishes through p and owns no output,
// for publishers whose resources are released elsewhere.
func NopCloser(p vulnerability.Publisher) Reporter {
	return nopCloser{p}
}
