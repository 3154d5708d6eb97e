package pilot

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

func TestHandleLLMBasic(t *testing.T) {
	llm := &fakeLLM{}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	step := &Step{ID: "decide", Type: StepTypeLLMDecision, Prompt: "Choose a lane"}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	data := out.Data.(map[string]interface{})
	assert.Equal(t, "ok", data["result"])
	assert.Equal(t, "ok", data["decision"])
	assert.Equal(t, "ok", data["summary"])
	require.NotNil(t, out.Metadata.TokensUsed)
	assert.Equal(t, 100, out.Metadata.TokensUsed.Total)
	assert.Equal(t, int64(100), ec.TotalTokensUsed())
}

func TestHandleLLMNoRuntime(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", nil)
	step := &Step{ID: "decide", Type: StepTypeLLMDecision, Prompt: "hi"}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeLLMFailed, errors.Code(err))
}

func TestHandleLLMPromptReferences(t *testing.T) {
	llm := &fakeLLM{}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	ec.SetStepOutput("fetch", &StepOutput{
		StepID:   "fetch",
		Data:     map[string]interface{}{"subject": "quarterly numbers"},
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{
		ID: "review", Type: StepTypeAIProcessing,
		Prompt: "Review the email about {{fetch.subject}}",
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "Review the email about quarterly numbers")
	// Resolved references are echoed into the data section too.
	assert.Contains(t, llm.prompts[0], "fetch_subject: quarterly numbers")
}

func TestHandleLLMPromptFallsBackToDescription(t *testing.T) {
	llm := &fakeLLM{}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	step := &Step{ID: "decide", Type: StepTypeLLMDecision, Description: "Classify the ticket"}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	assert.True(t, strings.HasPrefix(llm.prompts[0], "Classify the ticket"))
}

func TestHandleLLMSchemaRetrySucceeds(t *testing.T) {
	llm := &fakeLLM{
		run: func(call int, _ string) (*LLMResult, error) {
			resp := "I cannot produce JSON right now"
			if call == 1 {
				resp = `{"answer": "yes"}`
			}
			return &LLMResult{Success: true, Response: resp, TokensUsed: TokenUsage{Total: 10}}, nil
		},
	}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	step := &Step{
		ID: "classify", Type: StepTypeLLMDecision, Prompt: "Answer yes or no",
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"answer": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"answer"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	data := out.Data.(map[string]interface{})
	assert.Equal(t, "yes", data["answer"])
	assert.Equal(t, map[string]interface{}{"answer": "yes"}, data["structured"])
	// Token accounting sums both attempts.
	assert.Equal(t, 20, out.Metadata.TokensUsed.Total)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	assert.Len(t, llm.prompts, 2)
}

func TestHandleLLMSchemaExhaustsRetries(t *testing.T) {
	llm := &fakeLLM{
		run: func(_ int, _ string) (*LLMResult, error) {
			return &LLMResult{Success: true, Response: "still prose"}, nil
		},
	}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	step := &Step{
		ID: "classify", Type: StepTypeLLMDecision, Prompt: "Answer",
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"answer": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"answer"},
		},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSchemaValidation, errors.Code(err))

	llm.mu.Lock()
	defer llm.mu.Unlock()
	assert.Len(t, llm.prompts, maxSchemaRetries+1)
}

func TestHandleLLMResultFailure(t *testing.T) {
	llm := &fakeLLM{
		run: func(_ int, _ string) (*LLMResult, error) {
			return &LLMResult{Success: false, Error: "model overloaded"}, nil
		},
	}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	step := &Step{ID: "decide", Type: StepTypeLLMDecision, Prompt: "hi"}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCleanSummary(t *testing.T) {
	body := "The quarterly report shows revenue up 12% with costs flat across all three regions."

	t.Run("strips leading meta", func(t *testing.T) {
		got := cleanSummary("Sure, here is the summary you asked for:\n\n" + body)
		assert.Equal(t, body, got)
	})

	t.Run("strips trailing meta", func(t *testing.T) {
		got := cleanSummary(body + "\n\nLet me know if you need anything else.")
		assert.Equal(t, body, got)
	})

	t.Run("keeps short originals", func(t *testing.T) {
		short := "Okay, brief."
		assert.Equal(t, short, cleanSummary(short))
	})
}

func TestMentionsSummarize(t *testing.T) {
	assert.True(t, mentionsSummarize(&Step{Type: StepTypeSummarize}))
	assert.True(t, mentionsSummarize(&Step{Type: StepTypeAIProcessing, Name: "Summarize findings"}))
	assert.True(t, mentionsSummarize(&Step{Type: StepTypeAIProcessing, Prompt: "Write a summary of the doc"}))
	assert.False(t, mentionsSummarize(&Step{Type: StepTypeAIProcessing, Prompt: "Classify the doc"}))
}

func TestLLMReturnShapeStructuredMerge(t *testing.T) {
	out := llmReturnShape("rendered", map[string]interface{}{
		"verdict": "approve",
		"result":  "must not clobber",
	}, nil, TokenUsage{Total: 5})

	assert.Equal(t, "approve", out["verdict"])
	// Reserved alias keys keep the rendered response.
	assert.Equal(t, "rendered", out["result"])
	assert.Equal(t, map[string]interface{}{
		"verdict": "approve",
		"result":  "must not clobber",
	}, out["structured"])
}

func TestHandleLLMPromptOmitsOriginMetadata(t *testing.T) {
	llm := &fakeLLM{}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("ex1", nil)
	data := map[string]interface{}{"subject": "quarterly numbers"}
	shape.AttachSource(data, "crm", "fetch_deal", nil)
	ec.SetStepOutput("fetch", &StepOutput{
		StepID:   "fetch",
		Data:     data,
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{ID: "decide", Type: StepTypeLLMDecision, Prompt: "Review {{fetch}}"}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "quarterly numbers")
	assert.NotContains(t, llm.prompts[0], "__pilot")
}
