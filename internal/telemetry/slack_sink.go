package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goslack "github.com/slack-go/slack"
)

// SlackSink forwards warning-severity events to a Slack channel so operators
// see health changes and queue overflows without watching logs. If botToken
// is empty the sink is a noop.
type SlackSink struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSink creates a SlackSink. Disabled (nil client) when botToken or
// channel is empty.
func NewSlackSink(botToken, channel string, logger *slog.Logger) *SlackSink {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackSink{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the sink has a valid Slack client and channel.
func (s *SlackSink) IsEnabled() bool {
	return s.client != nil && s.channel != ""
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Write(ctx context.Context, events []Event) error {
	if !s.IsEnabled() {
		return nil
	}

	for _, ev := range events {
		if ev.Severity != SeverityWarn {
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, ":warning: *%s*", ev.Name)
		for k, v := range ev.Fields {
			fmt.Fprintf(&b, "\n• %s: `%v`", k, v)
		}

		_, _, err := s.client.PostMessageContext(ctx, s.channel,
			goslack.MsgOptionText(b.String(), false),
		)
		if err != nil {
			return fmt.Errorf("posting alert to slack: %w", err)
		}
		s.logger.Debug("posted telemetry alert to slack", "event", ev.Name, "channel", s.channel)
	}
	return nil
}
