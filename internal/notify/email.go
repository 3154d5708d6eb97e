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
	"html"
	"net/http"
	"os"
	"strings"
)

const resendEndpoint = "https://api.resend.com/emails"

// EmailChannel sends approval emails through the Resend API.
type EmailChannel struct {
	apiKey string
	from   string
	to     []string
}

// NewEmailChannel reads recipients from the channel config and the API
// key from config or RESEND_API_KEY.
func NewEmailChannel(config map[string]interface{}) (*EmailChannel, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		apiKey = os.Getenv("RESEND_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("email channel requires an api_key or RESEND_API_KEY")
	}
	from, _ := config["from"].(string)
	if from == "" {
		from = "approvals@pilot.dev"
	}
	var to []string
	switch v := config["recipients"].(type) {
	case []interface{}:
		for _, r := range v {
			if s, ok := r.(string); ok {
				to = append(to, s)
			}
		}
	case string:
		to = append(to, v)
	}
	return &EmailChannel{apiKey: apiKey, from: from, to: to}, nil
}

// Send delivers one approval email. Recipients default to the request's
// approvers when the config named none.
func (c *EmailChannel) Send(ctx context.Context, req Request) error {
	to := c.to
	if len(to) == 0 {
		to = req.Approvers
	}
	if len(to) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	payload := map[string]interface{}{
		"from":    c.from,
		"to":      to,
		"subject": "Approval needed: " + req.Title,
		"html":    emailBody(req),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("resend delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resend returned status %d", resp.StatusCode)
	}
	return nil
}

func emailBody(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(req.Title))
	if req.Message != "" {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(req.Message))
	}
	if url := req.ApprovalURL(); url != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Review and decide</a></p>`, url)
	}
	if req.ExpiresAt != "" {
		fmt.Fprintf(&b, "<p>Expires at %s.</p>", html.EscapeString(req.ExpiresAt))
	}
	return b.String()
}
