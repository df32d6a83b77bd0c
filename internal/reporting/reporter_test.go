// internal/reporting/reporter_test.go
package reporting_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
	"github.com/xkilldash9x/scalpel-iast/internal/reporting"
)

const testToolVersion = "v1.0.0-test"

// MockWriteCloser allows capturing output and simulating I/O errors.
type MockWriteCloser struct {
	Buffer    *bytes.Buffer
	FailWrite bool
	FailClose bool
	Closed    bool
}

func (m *MockWriteCloser) Write(p []byte) (n int, err error) {
	if m.FailWrite {
		return 0, errors.New("simulated write error")
	}
	return m.Buffer.Write(p)
}

func (m *MockWriteCloser) Close() error {
	m.Closed = true
	if m.FailClose {
		return errors.New("simulated close error")
	}
	return nil
}

func newWriter() *MockWriteCloser {
	return &MockWriteCloser{Buffer: new(bytes.Buffer)}
}

func sampleBatch() *vulnerability.Batch {
	src := taint.NewSource(taint.OriginRequestParameterValue, "q", "bar")
	b := vulnerability.NewBatch()
	b.Add(vulnerability.New(vulnerability.SQLInjection,
		vulnerability.Location{Path: "app/db.go", Line: 42, Method: "app.query"},
		vulnerability.Evidence{Value: "foobar", Ranges: []taint.Range{{Start: 3, Length: 3, Source: src}}}))
	b.Add(vulnerability.New(vulnerability.WeakHash,
		vulnerability.Location{Path: "app/crypto.go", Line: 7},
		vulnerability.Evidence{Value: "md5"}))
	return b
}

func TestNew_StdoutFormats(t *testing.T) {
	for _, format := range []string{reporting.FormatJSON, reporting.FormatSARIF, reporting.FormatLog} {
		t.Run(format, func(t *testing.T) {
			r, err := reporting.New(format, "stdout", testToolVersion, nil)
			require.NoError(t, err)
			assert.NotNil(t, r)
			if format != reporting.FormatSARIF {
				// Closing SARIF would print the empty log to stdout.
				assert.NoError(t, r.Close())
			}
		})
	}
}

func TestNew_File(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "output.jsonl")

	r, err := reporting.New(reporting.FormatJSON, tmpFile, testToolVersion, zap.NewNop())
	require.NoError(t, err)
	_, err = os.Stat(tmpFile)
	assert.NoError(t, err, "Output file should have been created")

	require.NoError(t, r.Publish(context.Background(), sampleBatch()))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"SQL_INJECTION"`)
}

func TestNew_Failures(t *testing.T) {
	r, err := reporting.New("invalid-format", "stdout", testToolVersion, nil)
	assert.Nil(t, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format: invalid-format")

	tmpFile := filepath.Join(t.TempDir(), "output.txt")
	_, err = reporting.New("invalid-format", tmpFile, testToolVersion, nil)
	require.Error(t, err)
	_, statErr := os.Stat(tmpFile)
	assert.True(t, os.IsNotExist(statErr), "no file is created for an unknown format")

	_, err = reporting.New(reporting.FormatJSON, filepath.Join(t.TempDir(), "missing", "out.json"), testToolVersion, nil)
	assert.Error(t, err)
}

func TestJSONReporter(t *testing.T) {
	w := newWriter()
	r := reporting.NewJSONReporter(w, nil)

	require.NoError(t, r.Publish(context.Background(), sampleBatch()))
	require.NoError(t, r.Publish(context.Background(), sampleBatch()))
	require.NoError(t, r.Close())
	assert.True(t, w.Closed)

	lines := bytes.Split(bytes.TrimSpace(w.Buffer.Bytes()), []byte("\n"))
	require.Len(t, lines, 2, "one document per batch")
	assert.Contains(t, string(lines[0]), `"start":3`)
	assert.Contains(t, string(lines[0]), `"origin":"http.request.parameter"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Publish(ctx, sampleBatch()), context.Canceled)
}

func TestJSONReporter_WriteError(t *testing.T) {
	w := newWriter()
	w.FailWrite = true
	r := reporting.NewJSONReporter(w, nil)

	err := r.Publish(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to encode vulnerability batch")
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := reporting.NewLogReporter(zap.New(core))

	require.NoError(t, r.Publish(context.Background(), sampleBatch()))
	require.NoError(t, r.Close())

	entries := logs.FilterMessage("Vulnerability detected.").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "SQL_INJECTION", fields["type"])
	assert.Equal(t, "CRITICAL", fields["severity"])
	assert.Equal(t, int64(89), fields["cwe"])
	assert.Equal(t, "vulnerability", entries[0].LoggerName)
}

type recordingReporter struct {
	published int
	closed    bool
	err       error
}

func (r *recordingReporter) Publish(context.Context, *vulnerability.Batch) error {
	r.published++
	return r.err
}

func (r *recordingReporter) Close() error {
	r.closed = true
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recordingReporter{}
	failing := &recordingReporter{err: errors.New("boom")}
	m := reporting.Multi{failing, ok}

	err := m.Publish(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.Equal(t, 1, ok.published, "a failing reporter does not stop the others")

	err = m.Close()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestNopCloser(t *testing.T) {
	var published int
	r := reporting.NopCloser(vulnerability.PublisherFunc(func(ctx context.Context, b *vulnerability.Batch) error {
		published += b.Len()
		return nil
	}))

	require.NoError(t, r.Publish(context.Background(), sampleBatch()))
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	assert.Equal(t, 2, published)
}
