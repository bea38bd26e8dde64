package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"shopwatch/internal/eventbus"
	kit "shopwatch/internal/transport"
	logx "shopwatch/pkg/logx"
)

const (
	ChannelAlert = "alert"
	ChannelRun   = "suite_run"
)

// bridge turns bus events into notifications until ctx ends or quit closes.
func (s *Service) bridge(ctx context.Context, quit <-chan struct{}, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n, ok := s.render(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
				s.log.Debug("notifier.enqueue_failed", logx.String("topic", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) render(e eventbus.Event) (kit.Notification, bool) {
	cfg := s.config()
	n := kit.Notification{
		Target:  cfg.Target,
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
	switch e.Type {
	case eventbus.TopicAlertCreated, eventbus.TopicAlertReopened:
		ev, ok := e.Data.(eventbus.AlertEvent)
		if !ok {
			return n, false
		}
		n.Channel = ChannelAlert
		n.Priority = 7
		if e.Type == eventbus.TopicAlertReopened {
			n.Priority = 9
		}
		n.Text = formatAlert(e.Type, ev)
	case eventbus.TopicSuiteRunFinished:
		ev, ok := e.Data.(eventbus.SuiteRunEvent)
		if !ok {
			return n, false
		}
		// Runs with alerts are already covered by the alert messages.
		if !cfg.NotifyFinished && ev.Status == "SUCCESS" {
			return n, false
		}
		n.Channel = ChannelRun
		if ev.Status != "SUCCESS" {
			n.Priority = 5
		}
		n.Text = formatRun(ev)
	default:
		return n, false
	}
	return n, true
}

func formatAlert(topic string, ev eventbus.AlertEvent) string {
	var b strings.Builder
	head := "New alert"
	if topic == eventbus.TopicAlertReopened {
		head = "Alert reopened"
	}
	fmt.Fprintf(&b, "<b>%s</b> #%d\n", head, ev.GroupID)
	if ev.Title != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(ev.Title))
	}
	fmt.Fprintf(&b, "rule: <code>%s</code>\n", html.EscapeString(ev.BusinessRule))
	if ev.AlertType != "" {
		fmt.Fprintf(&b, "type: %s\n", html.EscapeString(ev.AlertType))
	}
	fmt.Fprintf(&b, "env: %d, suite run: %d\n", ev.EnvironmentID, ev.SuiteRunID)
	fmt.Fprintf(&b, "occurrences: %d", ev.Occurrences)
	if ev.RepeatCount > 0 {
		fmt.Fprintf(&b, ", repeats: %d", ev.RepeatCount)
	}
	return b.String()
}

func formatRun(ev eventbus.SuiteRunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Suite run %d %s</b>\n", ev.SuiteRunID, html.EscapeString(ev.Status))
	fmt.Fprintf(&b, "%s on %s (%s)\n", html.EscapeString(ev.SuiteName), html.EscapeString(ev.Environment), html.EscapeString(ev.TriggeredBy))
	fmt.Fprintf(&b, "scenarios: %d ok, %d failed of %d; alerts: %d", ev.Success, ev.Failed, ev.Total, ev.Alerts)
	if ev.Duration > 0 {
		fmt.Fprintf(&b, "\nduration: %s", ev.Duration.Round(time.Second))
	}
	return b.String()
}
