// Package notify posts run completion summaries to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/models"
)

// Sidebar colors by outcome.
const (
	ColorSuccess = "#36a64f"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Summary describes a finished run.
type Summary struct {
	OwnerKind string
	OwnerID   uint
	Name      string
	RunID     uint
	Status    string
	Total     int
	Processed int
	Failed    int
	Invalid   int
	Artifact  string
}

// Notifier delivers a completion summary.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// Field is one labelled value in an Event.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Event is a platform-neutral formatted message.
type Event struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Format renders a summary as an Event.
func Format(s Summary) Event {
	color := ColorSuccess
	switch s.Status {
	case models.RunCompleteWithFailures:
		color = ColorWarning
	case models.StatusFailed:
		color = ColorError
	}

	evt := Event{
		Title: fmt.Sprintf("%s %q: %s", s.OwnerKind, s.Name, s.Status),
		Body:  fmt.Sprintf("Run %d finished with %d of %d records processed.", s.RunID, s.Processed, s.Total),
		Color: color,
		Fields: []Field{
			{Name: "Total", Value: fmt.Sprint(s.Total), Short: true},
			{Name: "Processed", Value: fmt.Sprint(s.Processed), Short: true},
			{Name: "Failed", Value: fmt.Sprint(s.Failed), Short: true},
		},
	}
	if s.Invalid > 0 {
		evt.Fields = append(evt.Fields, Field{Name: "Skipped", Value: fmt.Sprint(s.Invalid), Short: true})
	}
	if s.Artifact != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Artifact", Value: s.Artifact})
	}
	return evt
}

// Nop discards summaries.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Summary) error { return nil }

// Multi fans a summary out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, s Summary) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged wraps a notifier so failures are logged instead of returned.
type Logged struct {
	Next   Notifier
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Logged) Notify(ctx context.Context, s Summary) error {
	if err := l.Next.Notify(ctx, s); err != nil {
		log := l.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Warn("notification failed", "owner_kind", s.OwnerKind, "owner_id", s.OwnerID, "run_id", s.RunID, "error", err)
	}
	return nil
}

// FromConfig builds the notifiers enabled in cfg. With none configured it
// returns Nop.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	var out Multi
	if cfg.SlackWebhookURL != "" {
		out = append(out, NewSlackWebhook(cfg.SlackWebhookURL))
	}
	if cfg.SlackToken != "" {
		out = append(out, NewSlack(cfg.SlackToken, cfg.SlackChannel))
	}
	if cfg.DiscordToken != "" {
		d, err := NewDiscord(cfg.DiscordToken, cfg.DiscordChannel)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return Nop{}, nil
	}
	return Logged{Next: out, Logger: logger}, nil
}
