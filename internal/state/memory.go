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

// Package state provides StateManager implementations: an in-memory
// store for tests and embedding, and a sqlite-backed store for
// persistent observability rows.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/pilot/pkg/pilot"
)

// StepRow is one recorded step execution.
type StepRow struct {
	ExecutionID string
	StepID      string
	Name        string
	Type        pilot.StepType
	Status      string
	Metadata    *pilot.OutputMetadata
	Error       string
	UpdatedAt   time.Time
}

// TokenRow is one recorded token-usage entry.
type TokenRow struct {
	ExecutionID string
	StepID      string
	Source      string
	Usage       pilot.TokenUsage
	RecordedAt  time.Time
}

// Memory is an in-process StateManager. Rows are kept per execution and
// never evicted; it is meant for tests and short-lived embedders.
type Memory struct {
	mu         sync.RWMutex
	steps      map[string][]StepRow
	executions map[string]*pilot.ExecutionResult
	tokens     map[string][]TokenRow
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		steps:      make(map[string][]StepRow),
		executions: make(map[string]*pilot.ExecutionResult),
		tokens:     make(map[string][]TokenRow),
	}
}

// LogStepExecution appends a step row.
func (m *Memory) LogStepExecution(_ context.Context, executionID, stepID, name string, stepType pilot.StepType, status string, metadata *pilot.OutputMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[executionID] = append(m.steps[executionID], StepRow{
		ExecutionID: executionID,
		StepID:      stepID,
		Name:        name,
		Type:        stepType,
		Status:      status,
		Metadata:    metadata,
		UpdatedAt:   time.Now(),
	})
	return nil
}

// UpdateStepExecution updates the latest row for the step in place.
func (m *Memory) UpdateStepExecution(_ context.Context, executionID, stepID, status string, metadata *pilot.OutputMetadata, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.steps[executionID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].StepID == stepID {
			rows[i].Status = status
			rows[i].Metadata = metadata
			rows[i].Error = errorMessage
			rows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	// No prior row; record one so the update is not lost.
	m.steps[executionID] = append(rows, StepRow{
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      status,
		Metadata:    metadata,
		Error:       errorMessage,
		UpdatedAt:   time.Now(),
	})
	return nil
}

// RecordExecution stores the run summary.
func (m *Memory) RecordExecution(_ context.Context, result *pilot.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[result.ExecutionID] = result
	return nil
}

// RecordTokenUsage appends a token row.
func (m *Memory) RecordTokenUsage(_ context.Context, executionID, stepID, source string, usage pilot.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[executionID] = append(m.tokens[executionID], TokenRow{
		ExecutionID: executionID,
		StepID:      stepID,
		Source:      source,
		Usage:       usage,
		RecordedAt:  time.Now(),
	})
	return nil
}

// StepRows returns the recorded step rows for an execution.
func (m *Memory) StepRows(executionID string) []StepRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StepRow(nil), m.steps[executionID]...)
}

// Execution returns the stored run summary, if any.
func (m *Memory) Execution(executionID string) (*pilot.ExecutionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.executions[executionID]
	return r, ok
}

// TokenRows returns the recorded token rows for an execution.
func (m *Memory) TokenRows(executionID string) []TokenRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TokenRow(nil), m.tokens[executionID]...)
}
