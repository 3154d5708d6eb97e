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
	"fmt"

	"github.com/slack-go/slack"
)

// SlackChannel posts approval requests to a Slack channel.
type SlackChannel struct {
	client  *slack.Client
	channel string
}

// NewSlackChannel requires a bot token and target channel in the config.
func NewSlackChannel(config map[string]interface{}) (*SlackChannel, error) {
	token, _ := config["token"].(string)
	if token == "" {
		return nil, fmt.Errorf("slack channel requires a token")
	}
	channel, _ := config["channel"].(string)
	if channel == "" {
		return nil, fmt.Errorf("slack channel requires a channel")
	}
	return &SlackChannel{client: slack.New(token), channel: channel}, nil
}

// Send posts a block-kit message with the approval link.
func (c *SlackChannel) Send(ctx context.Context, req Request) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Approval needed: "+req.Title, false, false)),
	}
	if req.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, req.Message, false, false), nil, nil))
	}
	if url := req.ApprovalURL(); url != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("<%s|Review and decide>", url), false, false), nil, nil))
	}

	_, _, err := c.client.PostMessageContext(ctx, c.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText("Approval needed: "+req.Title, false))
	if err != nil {
		return fmt.Errorf("slack delivery failed: %w", err)
	}
	return nil
}
