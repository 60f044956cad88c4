// Copyright 2024 Google LLC
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

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Slack posts escalations to a channel.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack constructs a Slack sink.
func NewSlack(token, channel string) *Slack {
	return &Slack{client: slack.New(token), channel: channel}
}

func (s *Slack) Notify(ctx context.Context, payload Payload) error {
	color := "warning"
	if payload.Severity == resource.SeverityHigh || payload.Severity == resource.SeverityCritical {
		color = "danger"
	}
	attachment := slack.Attachment{
		Color: color,
		Fields: []slack.AttachmentField{
			{Title: "Resource", Value: payload.Resource, Short: true},
			{Title: "Pattern", Value: payload.Pattern, Short: true},
			{Title: "Severity", Value: string(payload.Severity), Short: true},
			{Title: "Reason", Value: payload.Reason, Short: true},
			{Title: "Description", Value: payload.Description},
		},
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(payload.Title, false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("post Slack message: %w", err)
	}
	return nil
}
