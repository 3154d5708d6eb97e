package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
	"github.com/tombee/pilot/pkg/pilot/schema"
)

// maxSchemaRetries bounds schema-constrained output repair attempts.
const maxSchemaRetries = 2

// minCleanedSummaryLen keeps the original response when cleaning would
// strip it down to nothing useful.
const minCleanedSummaryLen = 50

// handleLLM runs an llm_decision / ai_processing style step: prompt
// composition, optional vision payload, optional schema-constrained
// output with validation retries, and summary cleaning.
func (e *Engine) handleLLM(ctx context.Context, step *Step, ec *ExecutionContext, params map[string]interface{}, scope *Scope) (interface{}, *TokenUsage, error) {
	if e.llm == nil {
		return nil, nil, &errors.ExecutionError{
			Code:    errors.CodeLLMFailed,
			StepID:  step.ID,
			Message: "no LLM runtime configured",
		}
	}

	prompt := step.Prompt
	if prompt == "" {
		prompt = step.Description
	}
	if prompt == "" {
		prompt = step.Name
	}

	prompt, params = e.enrichPrompt(prompt, params, ec, scope)
	if len(params) == 0 {
		params = seedFromLastCompleted(ec)
	}
	prompt = appendParams(prompt, params)
	prompt += "\n\n" + contextSummary(ec)
	if ec.MemoryContext != "" {
		prompt += "\n\nRelevant memory:\n" + ec.MemoryContext
	}

	agent := ec.Agent
	if step.Type == StepTypeAIProcessing {
		// Pure text analysis gets no tools.
		agent.PluginsRequired = nil
	}

	content := visionContent(params, prompt)
	if content != nil && !e.llm.SupportsVision() {
		e.logger.Warn("model runtime does not support vision, falling back to text",
			"step_id", step.ID)
		content = nil
	}

	opts := LLMOptions{}
	total := TokenUsage{}

	runOnce := func(p string) (*LLMResult, error) {
		result, err := e.llm.Run(ctx, ec.UserID, agent, p, content, opts, ec.SessionID)
		if err != nil {
			return nil, &errors.ExecutionError{
				Code:    errors.CodeLLMFailed,
				StepID:  step.ID,
				Message: err.Error(),
				Cause:   err,
			}
		}
		total.Total += result.TokensUsed.Total
		total.Prompt += result.TokensUsed.Prompt
		total.Completion += result.TokensUsed.Completion
		if !result.Success {
			msg := result.Error
			if msg == "" {
				msg = "LLM call failed"
			}
			return nil, &errors.ExecutionError{Code: errors.CodeLLMFailed, StepID: step.ID, Message: msg}
		}
		return result, nil
	}

	// Schema-constrained output with validation retries.
	if step.OutputSchema != nil {
		var priorErrors []*schema.ValidationError
		for attempt := 0; attempt <= maxSchemaRetries; attempt++ {
			augmented := schema.BuildPromptWithSchema(prompt, step.OutputSchema, attempt, priorErrors)
			result, err := runOnce(augmented)
			if err != nil {
				return nil, &total, err
			}
			parsed, err := schema.ExtractJSON(result.Response)
			if err != nil {
				priorErrors = []*schema.ValidationError{{Path: "$", Keyword: "format", Message: "response contained no JSON"}}
				continue
			}
			violations := e.validator.ValidateAll(step.OutputSchema, parsed)
			if len(violations) == 0 {
				return llmReturnShape(renderResponse(parsed), parsed, result.ToolCalls, total), &total, nil
			}
			priorErrors = violations
		}
		return nil, &total, &errors.ExecutionError{
			Code:    errors.CodeSchemaValidation,
			StepID:  step.ID,
			Message: fmt.Sprintf("LLM output failed schema validation after %d attempts", maxSchemaRetries+1),
		}
	}

	result, err := runOnce(prompt)
	if err != nil {
		return nil, &total, err
	}

	response := result.Response
	if mentionsSummarize(step) {
		response = cleanSummary(response)
	}
	return llmReturnShape(response, nil, result.ToolCalls, total), &total, nil
}

// enrichPrompt resolves {{…}} references found in the prompt, adds each
// as a named param (dots become underscores), and substitutes the
// rendered value into the prompt text.
func (e *Engine) enrichPrompt(prompt string, params map[string]interface{}, ec *ExecutionContext, scope *Scope) (string, map[string]interface{}) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, m := range refPattern.FindAllStringSubmatch(prompt, -1) {
		val, err := e.resolver.ResolveVariable(m[1], ec, scope)
		if err != nil {
			e.logger.Debug("prompt reference did not resolve", "ref", m[1], "error", err)
			continue
		}
		val = shape.Sanitize(val)
		name := strings.NewReplacer(".", "_", "[", "_", "]", "", "'", "", `"`, "", "*", "all", " ", "_").Replace(m[1])
		out[name] = val
		prompt = strings.Replace(prompt, m[0], inlineString(val), 1)
	}
	return prompt, out
}

func seedFromLastCompleted(ec *ExecutionContext) map[string]interface{} {
	completed := ec.CompletedSteps()
	if len(completed) == 0 {
		return nil
	}
	// Most recently executed wins among completed steps.
	var latest *StepOutput
	for _, id := range completed {
		out, ok := ec.GetStepOutput(id)
		if !ok {
			continue
		}
		if latest == nil || out.Metadata.ExecutedAt.After(latest.Metadata.ExecutedAt) {
			latest = out
		}
	}
	if latest == nil {
		return nil
	}
	return map[string]interface{}{latest.StepID + "_data": latest.Data}
}

func appendParams(prompt string, params map[string]interface{}) string {
	if len(params) == 0 {
		return prompt
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nData:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, scalarText(shape.Sanitize(params[k])))
	}
	return b.String()
}

// contextSummary gives the model cheap situational awareness without
// shipping whole step outputs.
func contextSummary(ec *ExecutionContext) string {
	var b strings.Builder
	b.WriteString("Workflow progress:\n")
	completed := ec.CompletedSteps()
	fmt.Fprintf(&b, "- completed steps (%d): %s\n", len(completed), strings.Join(completed, ", "))
	if failed := ec.FailedSteps(); len(failed) > 0 {
		fmt.Fprintf(&b, "- failed steps (%d): %s\n", len(failed), strings.Join(failed, ", "))
	}
	if len(ec.InputValues) > 0 {
		keys := make([]string, 0, len(ec.InputValues))
		for k := range ec.InputValues {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "- workflow inputs: %s\n", strings.Join(keys, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// llmReturnShape aliases the same cleaned string under the names
// downstream definitions commonly reference.
func llmReturnShape(response string, structured interface{}, toolCalls []interface{}, tokens TokenUsage) map[string]interface{} {
	out := map[string]interface{}{
		"result":         response,
		"response":       response,
		"output":         response,
		"summary":        response,
		"analysis":       response,
		"decision":       response,
		"reasoning":      response,
		"classification": response,
		"tokensUsed": map[string]interface{}{
			"total":      tokens.Total,
			"prompt":     tokens.Prompt,
			"completion": tokens.Completion,
		},
	}
	if structured != nil {
		out["structured"] = structured
		// Structured fields are addressable directly.
		if obj, ok := structured.(map[string]interface{}); ok {
			for k, v := range obj {
				if _, reserved := out[k]; !reserved {
					out[k] = v
				}
			}
		}
	}
	if toolCalls != nil {
		out["toolCalls"] = toolCalls
	}
	return out
}

func renderResponse(parsed interface{}) string {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Sprintf("%v", parsed)
	}
	return string(raw)
}

func mentionsSummarize(step *Step) bool {
	for _, s := range []string{step.Name, step.Prompt, step.Description} {
		if strings.Contains(strings.ToLower(s), "summar") {
			return true
		}
	}
	return step.Type == StepTypeSummarize
}

var (
	leadingMeta  = regexp.MustCompile(`(?is)^(i('| a)?m|i will|i'll|let me|sure[,!.]|okay[,!.]|here (is|are))[^\n]*\n+`)
	trailingMeta = regexp.MustCompile(`(?is)\n+(now i will|i will now|next,? i|let me know|would you like)[^\n]*$`)
)

// cleanSummary strips leading and trailing model meta-commentary. The
// original text is kept when cleaning leaves too little behind.
func cleanSummary(response string) string {
	cleaned := strings.TrimSpace(response)
	cleaned = leadingMeta.ReplaceAllString(cleaned, "")
	cleaned = trailingMeta.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) < minCleanedSummaryLen {
		return strings.TrimSpace(response)
	}
	return cleaned
}
