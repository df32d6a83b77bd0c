package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var vulnerabilityColumns = []string{
	"batch_id", "type", "severity", "cwe", "path", "line", "method", "span_id",
	"evidence_value", "evidence_ranges", "hash", "stack_id", "observed_at",
}

// schemaStatements create the tables the store writes to.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS vulnerabilities (
            id BIGSERIAL PRIMARY KEY,
            batch_id TEXT NOT NULL,
            type TEXT NOT NULL,
            severity TEXT NOT NULL,
            cwe INTEGER NOT NULL,
            path TEXT NOT NULL,
            line INTEGER NOT NULL,
            method TEXT NOT NULL,
            span_id TEXT NOT NULL,
            evidence_value TEXT NOT NULL,
            evidence_ranges JSONB NOT NULL,
            hash BIGINT NOT NULL,
            stack_id TEXT NOT NULL,
            observed_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS vulnerabilities_batch_id_idx ON vulnerabilities (batch_id);`,
	`CREATE TABLE IF NOT EXISTS vulnerability_stacks (
            stack_id TEXT PRIMARY KEY,
            batch_id TEXT NOT NULL,
            frames JSONB NOT NULL
        );`,
}

const sqlInsertStack = `
        INSERT INTO vulnerability_stacks (stack_id, batch_id, frames)
        VALUES ($1, $2, $3)
        ON CONFLICT (stack_id) DO NOTHING;
    `

// StoredVulnerability is a persisted vulnerability row.
type StoredVulnerability struct {
	BatchID    string
	Type       string
	Severity   string
	CWE        int
	Location   vulnerability.Location
	Evidence   vulnerability.Evidence
	Hash       uint64
	StackID    string
	ObservedAt time.Time
}

// Store persists vulnerability batches in PostgreSQL. It implements
// vulnerability.Publisher.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the store's tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Publish persists b under a fresh batch ID.
func (s *Store) Publish(ctx context.Context, b *vulnerability.Batch) error {
	_, err := s.PersistBatch(ctx, uuid.NewString(), b)
	return err
}

// PersistBatch writes every vulnerability of b and the stacks they reference
// in a single transaction. It returns the number of vulnerabilities stored.
func (s *Store) PersistBatch(ctx context.Context, batchID string, b *vulnerability.Batch) (int, error) {
	vulns := b.Vulnerabilities()
	if len(vulns) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit returns pgx.ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.persistVulnerabilities(ctx, tx, batchID, vulns); err != nil {
		return 0, err
	}
	if err := s.persistStacks(ctx, tx, batchID, b, vulns); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted vulnerability batch.", zap.String("batch_id", batchID), zap.Int("vulnerabilities", len(vulns)))
	return len(vulns), nil
}

func (s *Store) persistVulnerabilities(ctx context.Context, tx pgx.Tx, batchID string, vulns []*vulnerability.Vulnerability) error {
	observedAt := s.now().UTC()
	rows := make([][]interface{}, len(vulns))
	for i, v := range vulns {
		ranges, err := encodeRanges(v.Evidence.Ranges)
		if err != nil {
			return fmt.Errorf("failed to encode evidence ranges: %w", err)
		}
		var severity string
		var cwe int
		if v.Type != nil {
			severity, cwe = string(v.Type.Severity), v.Type.CWE
		}
		rows[i] = []interface{}{
			batchID, v.Type.String(), severity, cwe,
			v.Location.Path, v.Location.Line, v.Location.Method, v.Location.SpanID,
			v.Evidence.Value, ranges,
			// bigint is signed; the bits round-trip unchanged.
			int64(v.Hash), v.StackID,
			observedAt,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"vulnerabilities"}, vulnerabilityColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy vulnerabilities: %w", err)
	}
	if int(copyCount) != len(vulns) {
		return fmt.Errorf("mismatch in copied vulnerabilities count: expected %d, got %d", len(vulns), copyCount)
	}
	return nil
}

func (s *Store) persistStacks(ctx context.Context, tx pgx.Tx, batchID string, b *vulnerability.Batch, vulns []*vulnerability.Vulnerability) error {
	batch := &pgx.Batch{}
	var ids []string
	seen := make(map[string]struct{})
	for _, v := range vulns {
		if v.StackID == "" {
			continue
		}
		if _, dup := seen[v.StackID]; dup {
			continue
		}
		seen[v.StackID] = struct{}{}
		frames, ok := b.Stack(v.StackID)
		if !ok {
			continue
		}
		encoded, err := jsonAPI.Marshal(frames)
		if err != nil {
			return fmt.Errorf("failed to encode stack %s: %w", v.StackID, err)
		}
		batch.Queue(sqlInsertStack, v.StackID, batchID, json.RawMessage(encoded))
		ids = append(ids, v.StackID)
	}
	if len(ids) == 0 {
		return nil
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, id := range ids {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert stack %s: %w", id, err)
		}
	}
	return nil
}

// GetVulnerabilitiesByBatchID returns the vulnerabilities of one batch in
// insertion order.
func (s *Store) GetVulnerabilitiesByBatchID(ctx context.Context, batchID string) ([]StoredVulnerability, error) {
	query := `
        SELECT type, severity, cwe, path, line, method, span_id, evidence_value, evidence_ranges, hash, stack_id, observed_at
        FROM vulnerabilities
        WHERE batch_id = $1
        ORDER BY id ASC;
    `
	rows, err := s.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vulnerabilities: %w", err)
	}
	defer rows.Close()

	var out []StoredVulnerability
	for rows.Next() {
		var (
			sv     StoredVulnerability
			ranges []byte
			hash   int64
		)
		err := rows.Scan(
			&sv.Type, &sv.Severity, &sv.CWE,
			&sv.Location.Path, &sv.Location.Line, &sv.Location.Method, &sv.Location.SpanID,
			&sv.Evidence.Value, &ranges, &hash, &sv.StackID, &sv.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability row: %w", err)
		}
		if len(ranges) > 0 {
			if err := jsonAPI.Unmarshal(ranges, &sv.Evidence.Ranges); err != nil {
				return nil, fmt.Errorf("failed to decode evidence ranges: %w", err)
			}
		}
		sv.BatchID = batchID
		sv.Hash = uint64(hash)
		out = append(out, sv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// CountByType returns how many vulnerabilities of each type are stored.
func (s *Store) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM vulnerabilities GROUP BY type;`)
	if err != nil {
		return nil, fmt.Errorf("failed to count vulnerabilities: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// encodeRanges renders ranges as a JSON array; no ranges is "[]", never null.
func encodeRanges(ranges []taint.Range) (json.RawMessage, error) {
	if len(ranges) == 0 {
		return json.RawMessage("[]"), nil
	}
	b, err := jsonAPI.Marshal(ranges)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
