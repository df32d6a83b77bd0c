package reporting

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// LogReporter emits every vulnerability as a structured warning.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("vulnerability")}
}

func (r *LogReporter) Publish(_ context.Context, b *vulnerability.Batch) error {
	for _, v := range b.Vulnerabilities() {
		fields := []zap.Field{
			zap.Stringer("type", v.Type),
			zap.String("path", v.Location.Path),
			zap.Int("line", v.Location.Line),
			zap.String("method", v.Location.Method),
			zap.String("evidence", v.Evidence.Value),
			zap.Int("tainted_ranges", len(v.Evidence.Ranges)),
			zap.Uint64("hash", v.Hash),
		}
		if v.Type != nil {
			fields = append(fields, zap.String("severity", string(v.Type.Severity)), zap.Int("cwe", v.Type.CWE))
		}
		if v.Location.SpanID != "" {
			fields = append(fields, zap.String("span_id", v.Location.SpanID))
		}
		r.logger.Warn("Vulnerability detected.", fields...)
	}
	return nil
}

func (r *LogReporter) Close() error { return nil }
