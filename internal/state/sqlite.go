// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/pilot/pkg/pilot"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	success INTEGER NOT NULL,
	error TEXT,
	failed_step TEXT,
	completed_steps INTEGER NOT NULL,
	failed_steps INTEGER NOT NULL,
	skipped_steps INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	total_time_ms INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_step_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	name TEXT,
	step_type TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata TEXT,
	error TEXT,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_executions_execution
	ON workflow_step_executions(execution_id, step_id);
CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	source TEXT NOT NULL,
	total INTEGER NOT NULL,
	prompt INTEGER NOT NULL,
	completion INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
`

// SQLite is a StateManager persisting observability rows to a sqlite
// database. Writes are append-heavy and never read back by the engine.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying state schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LogStepExecution inserts a step row.
func (s *SQLite) LogStepExecution(ctx context.Context, executionID, stepID, name string, stepType pilot.StepType, status string, metadata *pilot.OutputMetadata) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_executions
			(execution_id, step_id, name, step_type, status, metadata, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, stepID, name, string(stepType), status, meta, metadataError(metadata), time.Now().UTC())
	return err
}

// UpdateStepExecution updates the most recent row for the step.
func (s *SQLite) UpdateStepExecution(ctx context.Context, executionID, stepID, status string, metadata *pilot.OutputMetadata, errorMessage string) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_step_executions
		SET status = ?, metadata = ?, error = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM workflow_step_executions
			WHERE execution_id = ? AND step_id = ?
			ORDER BY id DESC LIMIT 1
		)`,
		status, meta, errorMessage, time.Now().UTC(), executionID, stepID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.LogStepExecution(ctx, executionID, stepID, "", "", status, metadata)
	}
	return nil
}

// RecordExecution upserts the run summary row.
func (s *SQLite) RecordExecution(ctx context.Context, result *pilot.ExecutionResult) error {
	success := 0
	if result.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, status, success, error, failed_step,
			 completed_steps, failed_steps, skipped_steps,
			 total_tokens, total_time_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			success = excluded.success,
			error = excluded.error,
			failed_step = excluded.failed_step,
			completed_steps = excluded.completed_steps,
			failed_steps = excluded.failed_steps,
			skipped_steps = excluded.skipped_steps,
			total_tokens = excluded.total_tokens,
			total_time_ms = excluded.total_time_ms,
			completed_at = excluded.completed_at`,
		result.ExecutionID, string(result.Status), success, result.Error, result.FailedStep,
		len(result.CompletedSteps), len(result.FailedSteps), len(result.SkippedSteps),
		result.TotalTokensUsed, result.TotalExecutionTime, result.StartedAt.UTC(), result.CompletedAt.UTC())
	return err
}

// RecordTokenUsage appends a token row.
func (s *SQLite) RecordTokenUsage(ctx context.Context, executionID, stepID, source string, usage pilot.TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage
			(execution_id, step_id, source, total, prompt, completion, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		executionID, stepID, source, usage.Total, usage.Prompt, usage.Completion, time.Now().UTC())
	return err
}

func marshalMetadata(metadata *pilot.OutputMetadata) (string, error) {
	if metadata == nil {
		return "", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshaling step metadata: %w", err)
	}
	return string(b), nil
}

func metadataError(metadata *pilot.OutputMetadata) string {
	if metadata == nil {
		return ""
	}
	return metadata.Error
}
