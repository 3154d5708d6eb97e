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

// Package notify fans approval requests out to configured channels:
// webhook, email (Resend), Slack, and Microsoft Teams.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Request is the approval notification envelope shared by all channels.
type Request struct {
	ApprovalID   string                 `json:"approval_id"`
	ExecutionID  string                 `json:"execution_id"`
	StepID       string                 `json:"step_id"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Approvers    []string               `json:"approvers"`
	ApprovalType string                 `json:"approval_type"`
	ExpiresAt    string                 `json:"expires_at,omitempty"`
	CreatedAt    string                 `json:"created_at"`
}

// ApprovalURL builds the link recipients follow to decide. The base
// comes from PILOT_APP_URL.
func (r Request) ApprovalURL() string {
	base := os.Getenv("PILOT_APP_URL")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/approvals/%s", base, r.ApprovalID)
}

// Channel delivers one approval request.
type Channel interface {
	Send(ctx context.Context, req Request) error
}

// httpClient is shared by the HTTP-backed channels.
var httpClient = &http.Client{Timeout: 15 * time.Second}

// New builds a channel from its type tag and config map. Unknown types
// return an error so definition mistakes surface early.
func New(channelType string, config map[string]interface{}) (Channel, error) {
	switch channelType {
	case "webhook":
		url, _ := config["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("webhook channel requires a url")
		}
		return &WebhookChannel{URL: url}, nil
	case "email":
		return NewEmailChannel(config)
	case "slack":
		return NewSlackChannel(config)
	case "teams":
		url, _ := config["url"].(string)
		if url == "" {
			url, _ = config["webhook_url"].(string)
		}
		if url == "" {
			return nil, fmt.Errorf("teams channel requires a webhook url")
		}
		return &TeamsChannel{WebhookURL: url}, nil
	default:
		return nil, fmt.Errorf("unknown notification channel type %q", channelType)
	}
}
