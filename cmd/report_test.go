package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-iast/internal/config"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
	"github.com/xkilldash9x/scalpel-iast/internal/mocks"
	"github.com/xkilldash9x/scalpel-iast/internal/store"
)

func storedSQLInjection() store.StoredVulnerability {
	loc := vulnerability.Location{Path: "app/db.go", Line: 42, Method: "app.Query"}
	ev := vulnerability.Evidence{Value: "SELECT foobar", Ranges: []taint.Range{{Start: 10, Length: 3}}}
	return store.StoredVulnerability{
		BatchID:  "batch-1",
		Type:     vulnerability.SQLInjection.Name,
		Severity: string(vulnerability.SQLInjection.Severity),
		CWE:      vulnerability.SQLInjection.CWE,
		Location: loc,
		Evidence: ev,
		Hash:     vulnerability.Hash(vulnerability.SQLInjection, loc, ev),
		StackID:  "stack-1",
	}
}

func executeReport(t *testing.T, provider storeProvider, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)

	ctx := context.WithValue(context.Background(), configKey, config.Interface(config.NewDefaultConfig()))
	cmd := newReportCmd(provider)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestReportCmd_RendersBatch(t *testing.T) {
	mockStore := new(mocks.MockStore)
	mockStore.On("GetVulnerabilitiesByBatchID", mock.Anything, "batch-1").
		Return([]store.StoredVulnerability{storedSQLInjection()}, nil)
	provider := &fakeStoreProvider{store: mockStore}

	for _, format := range []string{"sarif", "json"} {
		t.Run(format, func(t *testing.T) {
			output := filepath.Join(t.TempDir(), "report."+format)
			_, err := executeReport(t, provider, "--batch-id", "batch-1", "--format", format, "--output", output)
			require.NoError(t, err)

			data, err := os.ReadFile(output)
			require.NoError(t, err)
			assert.Contains(t, string(data), "SQL_INJECTION")
			assert.Contains(t, string(data), "app/db.go")
		})
	}
	assert.True(t, provider.cleanedUp)
	mockStore.AssertExpectations(t)
}

func TestReportCmd_Summary(t *testing.T) {
	mockStore := new(mocks.MockStore)
	mockStore.On("CountByType", mock.Anything).
		Return(map[string]int{"XSS": 1, "SQL_INJECTION": 3}, nil)

	out, err := executeReport(t, &fakeStoreProvider{store: mockStore}, "--summary")
	require.NoError(t, err)
	assert.Equal(t, "SQL_INJECTION          3\nXSS                    1\n", out)
}

func TestReportCmd_Failures(t *testing.T) {
	t.Run("missing selector", func(t *testing.T) {
		_, err := executeReport(t, &fakeStoreProvider{}, "--format", "json")
		assert.ErrorContains(t, err, "either --batch-id or --summary is required")
	})

	t.Run("store unavailable", func(t *testing.T) {
		_, err := executeReport(t, &fakeStoreProvider{err: errors.New("no database")}, "--batch-id", "b")
		assert.ErrorContains(t, err, "failed to initialize store")
	})

	t.Run("empty batch", func(t *testing.T) {
		mockStore := new(mocks.MockStore)
		mockStore.On("GetVulnerabilitiesByBatchID", mock.Anything, "b").Return([]store.StoredVulnerability{}, nil)
		_, err := executeReport(t, &fakeStoreProvider{store: mockStore}, "--batch-id", "b")
		assert.ErrorContains(t, err, "no vulnerabilities found for batch b")
	})

	t.Run("query error", func(t *testing.T) {
		queryErr := errors.New("relation does not exist")
		mockStore := new(mocks.MockStore)
		mockStore.On("GetVulnerabilitiesByBatchID", mock.Anything, "b").Return(nil, queryErr)
		_, err := executeReport(t, &fakeStoreProvider{store: mockStore}, "--batch-id", "b")
		assert.ErrorIs(t, err, queryErr)
	})

	t.Run("unknown type", func(t *testing.T) {
		sv := storedSQLInjection()
		sv.Type = "BUFFER_OVERFLOW"
		mockStore := new(mocks.MockStore)
		mockStore.On("GetVulnerabilitiesByBatchID", mock.Anything, "b").Return([]store.StoredVulnerability{sv}, nil)
		_, err := executeReport(t, &fakeStoreProvider{store: mockStore}, "--batch-id", "b")
		assert.ErrorContains(t, err, `unknown vulnerability type "BUFFER_OVERFLOW"`)
	})

	t.Run("unsupported format", func(t *testing.T) {
		mockStore := new(mocks.MockStore)
		mockStore.On("GetVulnerabilitiesByBatchID", mock.Anything, "b").Return([]store.StoredVulnerability{storedSQLInjection()}, nil)
		_, err := executeReport(t, &fakeStoreProvider{store: mockStore}, "--batch-id", "b", "--format", "xml")
		assert.ErrorContains(t, err, "unsupported output format: xml")
	})
}

func TestRebuildBatch(t *testing.T) {
	sv := storedSQLInjection()
	b, err := rebuildBatch([]store.StoredVulnerability{sv})
	require.NoError(t, err)

	vulns := b.Vulnerabilities()
	require.Len(t, vulns, 1)
	assert.Same(t, vulnerability.SQLInjection, vulns[0].Type)
	assert.Equal(t, sv.Hash, vulns[0].Hash)
	assert.Equal(t, "stack-1", vulns[0].StackID)
	assert.Equal(t, sv.Evidence, vulns[0].Evidence)
}
