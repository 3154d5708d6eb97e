package transform

import (
	"fmt"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// joinOp equijoins the input array against config.right. Keys come from
// join_on (same name both sides) or left_key/right_key. Strategies:
// inner (default), left, right.
func (p *Pipeline) joinOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	right, ok := cfg["right"].([]interface{})
	if !ok {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "join requires a resolved right array in config.right",
		}
	}
	leftKey := cfgString(cfg, "left_key", "join_on", "joinOn")
	rightKey := cfgString(cfg, "right_key", "join_on", "joinOn")
	if leftKey == "" || rightKey == "" {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "join requires join_on or left_key and right_key",
		}
	}
	strategy := cfgString(cfg, "strategy", "type")
	if strategy == "" {
		strategy = "inner"
	}

	rightIndex := map[string][]map[string]interface{}{}
	for _, item := range right {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if val, found := shape.FindFieldValue(obj, rightKey, nil); found {
			k := fmt.Sprintf("%v", val)
			rightIndex[k] = append(rightIndex[k], obj)
		}
	}

	out := []interface{}{}
	matchedRight := map[string]bool{}
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		val, found := shape.FindFieldValue(obj, leftKey, nil)
		var matches []map[string]interface{}
		if found {
			k := fmt.Sprintf("%v", val)
			matches = rightIndex[k]
			if len(matches) > 0 {
				matchedRight[k] = true
			}
		}
		if len(matches) == 0 {
			if strategy == "left" {
				out = append(out, copyMap(obj))
			}
			continue
		}
		for _, match := range matches {
			merged := copyMap(obj)
			for k, v := range match {
				if _, exists := merged[k]; !exists {
					merged[k] = v
				}
			}
			out = append(out, merged)
		}
	}

	if strategy == "right" {
		for _, item := range right {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if val, found := shape.FindFieldValue(obj, rightKey, nil); found {
				if !matchedRight[fmt.Sprintf("%v", val)] {
					out = append(out, copyMap(obj))
				}
			}
		}
	}
	return out, nil
}

func copyMap(obj map[string]interface{}) map[string]interface{} {
	dup := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		dup[k] = v
	}
	return dup
}
