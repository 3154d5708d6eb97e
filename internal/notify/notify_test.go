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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookChannelSend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL}
	err := ch.Send(context.Background(), Request{
		ApprovalID:   "ap-1",
		ExecutionID:  "ex-1",
		StepID:       "approve",
		Title:        "Deploy to prod",
		Approvers:    []string{"ops@example.com"},
		ApprovalType: "any",
	})
	require.NoError(t, err)

	assert.Equal(t, "approval_request", got["type"])
	assert.Equal(t, "ap-1", got["approval_id"])
	assert.Equal(t, "Deploy to prod", got["title"])
}

func TestWebhookChannelNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL}
	err := ch.Send(context.Background(), Request{ApprovalID: "ap-2", Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTeamsChannelSend(t *testing.T) {
	t.Setenv("PILOT_APP_URL", "https://pilot.example.com")

	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &TeamsChannel{WebhookURL: srv.URL}
	err := ch.Send(context.Background(), Request{ApprovalID: "ap-3", Title: "Rotate keys"})
	require.NoError(t, err)

	assert.Equal(t, "MessageCard", got["@type"])
	actions, ok := got["potentialAction"].([]interface{})
	require.True(t, ok)
	require.Len(t, actions, 1)
}

func TestNewFactory(t *testing.T) {
	ch, err := New("webhook", map[string]interface{}{"url": "https://example.com/hook"})
	require.NoError(t, err)
	assert.IsType(t, &WebhookChannel{}, ch)

	_, err = New("webhook", map[string]interface{}{})
	assert.Error(t, err)

	ch, err = New("teams", map[string]interface{}{"webhook_url": "https://example.com/teams"})
	require.NoError(t, err)
	assert.IsType(t, &TeamsChannel{}, ch)

	_, err = New("carrier-pigeon", nil)
	assert.Error(t, err)
}

func TestApprovalURL(t *testing.T) {
	t.Setenv("PILOT_APP_URL", "https://pilot.example.com")
	r := Request{ApprovalID: "abc"}
	assert.Equal(t, "https://pilot.example.com/approvals/abc", r.ApprovalURL())

	t.Setenv("PILOT_APP_URL", "")
	assert.Empty(t, r.ApprovalURL())
}
