// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"quorum/shared/logger"
)

const (
	auditQueueSize    = 4096
	auditBatchSize    = 100
	auditFlushPeriod  = 5 * time.Second
	auditSampleLength = 200
)

// QueryAudit is one audit row. It records request metadata only:
// queries are stored as hashes and answers as short samples, so no
// conversation history is persisted.
type QueryAudit struct {
	ID           string
	RequestID    string
	Timestamp    time.Time
	Mode         string
	QueryHash    string
	Models       []string
	Outcomes     map[string]string
	Path         string
	TokensUsed   int
	LatencyMS    int64
	ErrorCode    string
	AnswerSample string
}

// AuditLog writes query audit rows to Postgres in batches. A nil or
// connection-less AuditLog drops entries silently, so auditing never
// blocks query execution.
type AuditLog struct {
	db    *sql.DB
	queue chan QueryAudit
	log   *logger.Logger

	mu      sync.Mutex
	pending []QueryAudit

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewAuditLog opens the audit database and starts the batch writer.
// Connection failure yields a drop-everything log rather than an
// error, matching the advisory nature of auditing.
func NewAuditLog(databaseURL string) *AuditLog {
	log := logger.New("audit")

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.ErrorWithErr("", "audit database unavailable, auditing disabled", err, nil)
		return &AuditLog{log: log}
	}
	if err := createAuditTable(db); err != nil {
		log.ErrorWithErr("", "audit table setup failed", err, nil)
	}
	return NewAuditLogWithDB(db)
}

// NewAuditLogWithDB starts a batch writer over an existing connection
// pool. The caller owns the pool; Close flushes but does not close it.
func NewAuditLogWithDB(db *sql.DB) *AuditLog {
	a := &AuditLog{
		db:       db,
		queue:    make(chan QueryAudit, auditQueueSize),
		log:      logger.New("audit"),
		pending:  make([]QueryAudit, 0, auditBatchSize),
		shutdown: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues one audit row. Full queues drop the entry.
func (a *AuditLog) Record(entry QueryAudit) {
	if a == nil || a.db == nil {
		return
	}
	select {
	case a.queue <- entry:
	default:
		a.log.Warn(entry.RequestID, "audit queue full, dropping entry", nil)
	}
}

// Close flushes pending entries and stops the writer.
func (a *AuditLog) Close() {
	if a == nil || a.db == nil {
		return
	}
	close(a.shutdown)
	a.wg.Wait()
}

// Healthy reports whether the audit database answers pings. A disabled
// audit log is healthy.
func (a *AuditLog) Healthy(ctx context.Context) bool {
	if a == nil || a.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return a.db.PingContext(ctx) == nil
}

func (a *AuditLog) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(auditFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case entry := <-a.queue:
			a.add(entry)
		case <-ticker.C:
			a.Flush()
		case <-a.shutdown:
			a.drain()
			a.Flush()
			return
		}
	}
}

func (a *AuditLog) add(entry QueryAudit) {
	a.mu.Lock()
	a.pending = append(a.pending, entry)
	full := len(a.pending) >= auditBatchSize
	a.mu.Unlock()
	if full {
		a.Flush()
	}
}

func (a *AuditLog) drain() {
	for {
		select {
		case entry := <-a.queue:
			a.add(entry)
		default:
			return
		}
	}
}

// Flush writes all pending entries in one transaction.
func (a *AuditLog) Flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = make([]QueryAudit, 0, auditBatchSize)
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := a.write(batch); err != nil {
		a.log.ErrorWithErr("", "audit batch write failed", err, map[string]interface{}{
			"entries": len(batch),
		})
	}
}

func (a *AuditLog) write(batch []QueryAudit) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_audit (
			id, request_id, timestamp, mode, query_hash, models,
			outcomes, path, tokens_used, latency_ms, error_code,
			answer_sample
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range batch {
		modelsJSON, _ := json.Marshal(entry.Models)
		outcomesJSON, _ := json.Marshal(entry.Outcomes)

		if _, err := stmt.Exec(
			entry.ID,
			entry.RequestID,
			entry.Timestamp,
			entry.Mode,
			entry.QueryHash,
			modelsJSON,
			outcomesJSON,
			entry.Path,
			entry.TokensUsed,
			entry.LatencyMS,
			entry.ErrorCode,
			entry.AnswerSample,
		); err != nil {
			a.log.ErrorWithErr(entry.RequestID, "audit insert failed", err, nil)
		}
	}

	return tx.Commit()
}

func createAuditTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS query_audit (
		id VARCHAR(64) PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		mode VARCHAR(32) NOT NULL,
		query_hash VARCHAR(64) NOT NULL,
		models JSONB,
		outcomes JSONB,
		path VARCHAR(32),
		tokens_used INTEGER,
		latency_ms BIGINT,
		error_code VARCHAR(64),
		answer_sample TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_query_audit_timestamp ON query_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_query_audit_request_id ON query_audit(request_id);
	CREATE INDEX IF NOT EXISTS idx_query_audit_mode ON query_audit(mode);
	`

	_, err := db.Exec(query)
	return err
}

// newQueryAudit builds the audit row for a finished execution.
func newQueryAudit(ex *execution, res QueryResult, execErr error) QueryAudit {
	entry := QueryAudit{
		ID:        uuid.NewString(),
		RequestID: ex.requestID,
		Timestamp: time.Now().UTC(),
		Mode:      string(ex.mode),
		QueryHash: hashQuery(ex.req.Query),
		Outcomes:  make(map[string]string, len(ex.responses)),
		LatencyMS: time.Since(ex.start).Milliseconds(),
	}

	for _, resp := range ex.responses {
		entry.Models = append(entry.Models, resp.ModelID)
		entry.Outcomes[resp.ModelID] = string(resp.Outcome)
		entry.TokensUsed += resp.Usage.TotalTokens
	}

	if execErr != nil {
		if qe, ok := AsQueryError(execErr); ok {
			entry.ErrorCode = qe.Code
		} else {
			entry.ErrorCode = "internal"
		}
		return entry
	}

	entry.Path = string(res.Path)
	entry.AnswerSample = truncateAnswer(res.Answer)
	return entry
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

func truncateAnswer(answer string) string {
	answer = strings.TrimSpace(answer)
	if len(answer) > auditSampleLength {
		return answer[:auditSampleLength] + "..."
	}
	return answer
}
