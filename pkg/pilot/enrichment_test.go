package pilot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enrichmentContext() *ExecutionContext {
	ec := NewExecutionContext("ex1", nil)
	ec.SetStepOutput("contacts", &StepOutput{
		StepID: "contacts",
		Data: []interface{}{
			map[string]interface{}{"id": "c1", "name": "Ada"},
			map[string]interface{}{"id": "c2", "name": "Lin"},
		},
		Metadata: OutputMetadata{Success: true},
	})
	ec.SetStepOutput("orders", &StepOutput{
		StepID: "orders",
		Data: []interface{}{
			map[string]interface{}{"id": "c1", "amount": 40},
		},
		Metadata: OutputMetadata{Success: true},
	})
	return ec
}

func TestEnrichmentMerge(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", nil)
	ec.SetStepOutput("profile", &StepOutput{
		StepID:   "profile",
		Data:     map[string]interface{}{"name": "Ada", "tags": []interface{}{"vip"}},
		Metadata: OutputMetadata{Success: true},
	})
	ec.SetStepOutput("activity", &StepOutput{
		StepID:   "activity",
		Data:     map[string]interface{}{"last_seen": "2026-08-01", "tags": []interface{}{"active"}},
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{
		ID: "combined", Type: StepTypeEnrichment,
		Strategy:    "merge",
		MergeArrays: true,
		Sources: []EnrichmentSource{
			{Key: "profile", From: "{{profile}}"},
			{Key: "activity", From: "{{activity}}"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, "Ada", data["name"])
	assert.Equal(t, "2026-08-01", data["last_seen"])
	assert.Equal(t, []interface{}{"vip", "active"}, data["tags"])
}

func TestEnrichmentMergeLaterSourceWins(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", nil)
	ec.SetStepOutput("a", &StepOutput{
		StepID: "a", Data: map[string]interface{}{"status": "stale"},
		Metadata: OutputMetadata{Success: true},
	})
	ec.SetStepOutput("b", &StepOutput{
		StepID: "b", Data: map[string]interface{}{"status": "fresh"},
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{
		ID: "merged", Type: StepTypeEnrichment,
		Sources: []EnrichmentSource{
			{Key: "a", From: "{{a}}"},
			{Key: "b", From: "{{b}}"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", out.Data.(map[string]interface{})["status"])
}

func TestEnrichmentJoin(t *testing.T) {
	e := NewEngine()
	ec := enrichmentContext()
	step := &Step{
		ID: "joined", Type: StepTypeEnrichment,
		Strategy: "join",
		JoinOn:   "id",
		Sources: []EnrichmentSource{
			{Key: "contacts", From: "{{contacts}}"},
			{Key: "orders", From: "{{orders}}"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, 2, data["count"])

	items := data["items"].([]interface{})
	require.Len(t, items, 2)
	first := items[0].(map[string]interface{})
	assert.Equal(t, "Ada", first["name"])
	assert.EqualValues(t, 40, first["amount"])
	// Left join keeps unmatched rows without the right-side fields.
	second := items[1].(map[string]interface{})
	assert.Equal(t, "Lin", second["name"])
	_, hasAmount := second["amount"]
	assert.False(t, hasAmount)
}

func TestEnrichmentJoinRequiresJoinOn(t *testing.T) {
	e := NewEngine()
	ec := enrichmentContext()
	step := &Step{
		ID: "joined", Type: StepTypeEnrichment,
		Strategy: "join",
		Sources: []EnrichmentSource{
			{Key: "contacts", From: "{{contacts}}"},
			{Key: "orders", From: "{{orders}}"},
		},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join_on")
}

func TestEnrichmentJoinRejectsNonArraySource(t *testing.T) {
	e := NewEngine()
	ec := enrichmentContext()
	ec.SetStepOutput("scalar", &StepOutput{
		StepID: "scalar", Data: "not an array",
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{
		ID: "joined", Type: StepTypeEnrichment,
		Strategy: "join",
		JoinOn:   "id",
		Sources: []EnrichmentSource{
			{Key: "contacts", From: "{{contacts}}"},
			{Key: "scalar", From: "{{scalar}}"},
		},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array")
}

func TestEnrichmentCollect(t *testing.T) {
	e := NewEngine()
	ec := enrichmentContext()
	step := &Step{
		ID: "bundle", Type: StepTypeEnrichment,
		Strategy: "collect",
		Sources: []EnrichmentSource{
			{Key: "people", From: "{{contacts}}"},
			{Key: "purchases", From: "{{orders}}"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Len(t, data["people"], 2)
	assert.Len(t, data["purchases"], 1)
}

func TestEnrichmentUnknownStrategy(t *testing.T) {
	e := NewEngine()
	ec := enrichmentContext()
	step := &Step{
		ID: "bad", Type: StepTypeEnrichment,
		Strategy: "zip",
		Sources:  []EnrichmentSource{{Key: "people", From: "{{contacts}}"}},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown enrichment strategy")
}

func TestEnrichmentNoSources(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", nil)
	step := &Step{ID: "empty", Type: StepTypeEnrichment}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")
}
