package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const maxRetries = 3

// slackClient is the subset of the Slack Web API used here.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts summaries either to an incoming webhook or, with a bot token,
// to a channel.
type Slack struct {
	webhookURL string
	channel    string
	client     slackClient
	post       func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
}

// NewSlackWebhook returns a Slack notifier for an incoming webhook URL.
func NewSlackWebhook(url string) *Slack {
	return &Slack{webhookURL: url, post: slackapi.PostWebhookContext}
}

// NewSlack returns a Slack notifier posting as a bot to channel.
func NewSlack(token, channel string) *Slack {
	return &Slack{channel: channel, client: slackapi.New(token)}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, sum Summary) error {
	att := eventToAttachment(Format(sum))
	if s.webhookURL != "" {
		err := retryOnRateLimit(ctx, func() error {
			return s.post(ctx, s.webhookURL, &slackapi.WebhookMessage{
				Text:        att.Title,
				Attachments: []slackapi.Attachment{att},
			})
		})
		if err != nil {
			return fmt.Errorf("slack: post webhook: %w", err)
		}
		return nil
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channel,
			slackapi.MsgOptionText(att.Title, false),
			slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func eventToAttachment(evt Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, honouring
// RetryAfter and ctx.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
