// File: internal/reporting/sarif_reporter.go
package reporting

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/owenrumney/go-sarif/v2/sarif"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName    = "Scalpel IAST"
	ToolInfoURI = "https://github.com/xkilldash9x/scalpel-iast"
	RulePrefix  = "IAST-"
)

// ruleIDSanitizer replaces characters not typically safe or allowed in SARIF Rule IDs.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// SARIFReporter accumulates every published batch into a single SARIF 2.1.0
// run, written out on Close. One rule is registered per vulnerability type.
// It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	// mu protects the report.
	mu     sync.Mutex
	report *sarif.Report
	run    *sarif.Run
	closed bool
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	// New only fails for unknown versions.
	report, _ := sarif.New(sarif.Version210)
	run := sarif.NewRunWithInformationURI(ToolName, ToolInfoURI)
	if toolVersion != "" {
		run.Tool.Driver.Version = &toolVersion
	}
	report.AddRun(run)

	return &SARIFReporter{
		writer: writer,
		logger: logger.Named("sarif_reporter"),
		report: report,
		run:    run,
	}
}

// Publish converts every vulnerability of b into a SARIF result.
func (r *SARIFReporter) Publish(_ context.Context, b *vulnerability.Batch) error {
	startTime := time.Now()
	vulns := b.Vulnerabilities()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("sarif reporter is closed")
	}

	for _, v := range vulns {
		rule := r.ensureRule(v.Type)
		result := sarif.NewRuleResult(rule.ID).
			WithMessage(sarif.NewTextMessage(resultMessage(v))).
			WithLevel(mapSeverityToSARIFLevel(severityOf(v.Type))).
			WithLocations([]*sarif.Location{createLocation(v.Location)})
		r.run.AddResult(result)
	}

	if len(vulns) > 0 {
		r.logger.Debug("Wrote vulnerabilities to SARIF buffer",
			zap.Int("vulnerabilities", len(vulns)),
			zap.Duration("duration_ms", time.Since(startTime)),
		)
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(r.run.Results)),
		zap.Int("total_rules", len(r.run.Tool.Driver.Rules)),
	)

	encodeErr := r.report.PrettyWrite(r.writer)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		// Prioritize the encoding error as it indicates corrupted/incomplete output.
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

// ensureRule returns the rule for t, registering it on first use.
// NOTE: Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(t *vulnerability.Type) *sarif.ReportingDescriptor {
	id := RulePrefix + sanitizeRuleName(t.String())
	for _, rule := range r.run.Tool.Driver.Rules {
		if rule.ID == id {
			return rule
		}
	}

	r.logger.Debug("Registering new SARIF rule definition", zap.String("rule_id", id))
	props := sarif.Properties{
		"tags":      []string{"security", "iast"},
		"precision": "high",
	}
	if t != nil && t.CWE > 0 {
		props["CWE"] = []string{fmt.Sprintf("CWE-%d", t.CWE)}
	}
	return r.run.AddRule(id).
		WithName(t.String()).
		WithDescription(describe(t)).
		WithDefaultConfiguration(&sarif.ReportingConfiguration{
			Level: mapSeverityToSARIFLevel(severityOf(t)),
		}).
		WithProperties(props)
}

// sanitizeRuleName creates a standardized base name for the rule ID.
func sanitizeRuleName(name string) string {
	sanitizedName := ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-")
	sanitizedName = strings.Trim(sanitizedName, "-")
	if sanitizedName == "" {
		return "UNKNOWN"
	}
	return sanitizedName
}

func describe(t *vulnerability.Type) string {
	name := strings.ReplaceAll(strings.ToLower(t.String()), "_", " ")
	return fmt.Sprintf("Untrusted input reached a %s sink.", name)
}

func resultMessage(v *vulnerability.Vulnerability) string {
	if v.Evidence.Value == "" {
		return v.Type.String()
	}
	return fmt.Sprintf("%s with evidence %q", v.Type.String(), v.Evidence.Value)
}

// createLocation converts a code site into a SARIF location. Sites without a
// line number only carry the file.
func createLocation(loc vulnerability.Location) *sarif.Location {
	physical := sarif.NewPhysicalLocation().
		WithArtifactLocation(sarif.NewArtifactLocation().WithUri(loc.Path))
	if loc.Line > 0 {
		physical = physical.WithRegion(sarif.NewRegion().WithStartLine(loc.Line))
	}
	location := sarif.NewLocation().WithPhysicalLocation(physical)
	if loc.Method != "" {
		location = location.WithMessage(sarif.NewTextMessage(loc.Method))
	}
	return location
}

func severityOf(t *vulnerability.Type) vulnerability.Severity {
	if t == nil {
		return ""
	}
	return t.Severity
}

// mapSeverityToSARIFLevel converts a vulnerability severity to the SARIF standard.
func mapSeverityToSARIFLevel(severity vulnerability.Severity) string {
	switch strings.ToLower(string(severity)) {
	case "critical", "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "note"
	}
}
