// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-iast/internal/config"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/overhead"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
	"github.com/xkilldash9x/scalpel-iast/internal/store"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) IAST() config.IASTConfig {
	args := m.Called()
	return args.Get(0).(config.IASTConfig)
}

func (m *MockConfig) Report() config.ReportConfig {
	args := m.Called()
	return args.Get(0).(config.ReportConfig)
}

func (m *MockConfig) Simulate() config.SimulateConfig {
	args := m.Called()
	return args.Get(0).(config.SimulateConfig)
}

// --- Setters ---

func (m *MockConfig) SetSimulateConfig(sc config.SimulateConfig) { m.Called(sc) }

func (m *MockConfig) SetIASTEnabled(b bool) { m.Called(b) }

func (m *MockConfig) SetIASTMode(mode string) { m.Called(mode) }

func (m *MockConfig) SetIASTSamplingPercent(p int) { m.Called(p) }

func (m *MockConfig) SetReportFormat(f string) { m.Called(f) }

func (m *MockConfig) SetReportOutput(o string) { m.Called(o) }

// -- Publisher Mock --

// MockPublisher mocks vulnerability.Publisher and remembers every batch it
// was handed so tests can inspect them after the fact.
type MockPublisher struct {
	mock.Mock

	mu      sync.Mutex
	batches []*vulnerability.Batch
}

func (m *MockPublisher) Publish(ctx context.Context, b *vulnerability.Batch) error {
	m.mu.Lock()
	m.batches = append(m.batches, b)
	m.mu.Unlock()
	args := m.Called(ctx, b)
	return args.Error(0)
}

// Batches returns the batches published so far.
func (m *MockPublisher) Batches() []*vulnerability.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*vulnerability.Batch(nil), m.batches...)
}

// -- Overhead Controller Mock --

// MockController mocks overhead.Controller.
type MockController struct {
	mock.Mock
}

func (m *MockController) AcquireRequest() bool {
	return m.Called().Bool(0)
}

func (m *MockController) ReleaseRequest() { m.Called() }

func (m *MockController) NewContext() *overhead.Context {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*overhead.Context)
}

func (m *MockController) HasQuota(op overhead.Operation, c *overhead.Context) bool {
	return m.Called(op, c).Bool(0)
}

func (m *MockController) ConsumeQuota(op overhead.Operation, c *overhead.Context) bool {
	return m.Called(op, c).Bool(0)
}

func (m *MockController) Unlimited() bool {
	return m.Called().Bool(0)
}

func (m *MockController) Stats() overhead.Stats {
	return m.Called().Get(0).(overhead.Stats)
}

// -- Store Mock --

// MockStore mocks the vulnerability store used by the CLI.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Publish(ctx context.Context, b *vulnerability.Batch) error {
	return m.Called(ctx, b).Error(0)
}

func (m *MockStore) GetVulnerabilitiesByBatchID(ctx context.Context, batchID string) ([]store.StoredVulnerability, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.StoredVulnerability), args.Error(1)
}

func (m *MockStore) CountByType(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

var (
	_ config.Interface        = (*MockConfig)(nil)
	_ vulnerability.Publisher = (*MockPublisher)(nil)
	_ overhead.Controller     = (*MockController)(nil)
	_ vulnerability.Publisher = (*MockStore)(nil)
)
