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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TeamsChannel posts a MessageCard to a Teams incoming webhook.
type TeamsChannel struct {
	WebhookURL string
}

// Send posts the approval as a simple card.
func (c *TeamsChannel) Send(ctx context.Context, req Request) error {
	card := map[string]interface{}{
		"@type":    "MessageCard",
		"@context": "https://schema.org/extensions",
		"summary":  "Approval needed",
		"title":    "Approval needed: " + req.Title,
		"text":     req.Message,
	}
	if url := req.ApprovalURL(); url != "" {
		card["potentialAction"] = []interface{}{
			map[string]interface{}{
				"@type":   "OpenUri",
				"name":    "Review and decide",
				"targets": []interface{}{map[string]interface{}{"os": "default", "uri": url}},
			},
		}
	}

	body, err := json.Marshal(card)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("teams delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("teams returned status %d", resp.StatusCode)
	}
	return nil
}
