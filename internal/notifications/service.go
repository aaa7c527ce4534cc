package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/logging"
)

const userAgent = "stemflow/0.1.0"

// Event identifies a pipeline milestone.
type Event string

const (
	// EventStageFailed fires once a stage exhausted its attempts for a file.
	EventStageFailed Event = "stage_failed"
	// EventJobCompleted fires when the final stage packaged a file.
	EventJobCompleted Event = "job_completed"
	// EventPoisonMessage fires when a worker discards an undecodable message.
	EventPoisonMessage Event = "poison_message"
	// EventTest is sent by the test-notify command.
	EventTest Event = "test"
)

// Payload carries event specific values such as "stage", "filename" or "error".
type Payload map[string]any

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Service publishes pipeline events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// message is the channel independent rendering of an event.
type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

// notifier is one delivery channel.
type notifier interface {
	name() string
	send(ctx context.Context, msg message) error
}

// NewService builds a fan-out service for every configured channel. When no
// channel is configured, a noop implementation is returned.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	n := cfg.Notifications
	timeout := time.Duration(n.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	var notifiers []notifier
	if topic := strings.TrimSpace(n.NtfyTopic); topic != "" {
		notifiers = append(notifiers, &ntfyNotifier{endpoint: topic, client: client})
	}
	if hook := strings.TrimSpace(n.SlackWebhookURL); hook != "" {
		notifiers = append(notifiers, &slackNotifier{webhook: hook, client: client})
	}
	if n.TelegramToken != "" && n.TelegramChatID != "" {
		notifiers = append(notifiers, &telegramNotifier{
			baseURL: n.TelegramBaseURL,
			token:   n.TelegramToken,
			chatID:  n.TelegramChatID,
			client:  client,
		})
	}
	if len(n.Emails) > 0 && n.SMTPServer != "" {
		notifiers = append(notifiers, newEmailNotifier(n, timeout))
	}
	if n.DiscordToken != "" && n.DiscordChannelID != "" {
		if d, err := newDiscordNotifier(n.DiscordToken, n.DiscordChannelID, client); err == nil {
			notifiers = append(notifiers, d)
		} else if logger != nil {
			logger.Warn("discord notifier disabled",
				logging.Error(err),
				logging.String(logging.FieldEventType, "notifier_init_failed"),
				logging.String(logging.FieldErrorHint, "check notifications.discord_bot_token"),
			)
		}
	}
	if len(notifiers) == 0 {
		return noopService{}
	}
	return &fanoutService{
		notifiers:   notifiers,
		failures:    n.Failures,
		completions: n.Completions,
	}
}

type fanoutService struct {
	notifiers   []notifier
	failures    bool
	completions bool
}

func (f *fanoutService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !f.enabled(event) {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	var errs []error
	for _, n := range f.notifiers {
		if err := n.send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutService) enabled(event Event) bool {
	switch event {
	case EventStageFailed, EventPoisonMessage:
		return f.failures
	case EventJobCompleted:
		return f.completions
	default:
		return true
	}
}

func render(event Event, payload Payload) (message, bool) {
	switch event {
	case EventStageFailed:
		stage := payload.text("stage")
		filename := payload.text("filename")
		body := fmt.Sprintf("%s failed for %s after %s attempts", labelOr(stage, "stage"), labelOr(filename, "unknown file"), labelOr(payload.text("attempts"), "all"))
		if errText := payload.text("error"); errText != "" {
			body += "\nError: " + errText
		}
		if id := payload.text("tracking_id"); id != "" {
			body += "\nJob: " + id
		}
		return message{
			title:    "stemflow - " + capitalize(labelOr(stage, "stage")) + " Failed",
			body:     body,
			tags:     []string{"stemflow", "error", labelOr(stage, "stage")},
			priority: "high",
		}, true
	case EventJobCompleted:
		title := labelOr(payload.text("title"), payload.text("filename"))
		body := "Karaoke track ready: " + title
		if artist := payload.text("artist"); artist != "" {
			body += " by " + artist
		}
		if out := payload.text("output_path"); out != "" {
			body += "\nFile: " + out
		}
		return message{
			title: "stemflow - Complete",
			body:  body,
			tags:  []string{"stemflow", "completed"},
		}, true
	case EventPoisonMessage:
		return message{
			title:    "stemflow - Discarded Message",
			body:     fmt.Sprintf("Discarded malformed message %s on %s: %s", payload.text("message_id"), payload.text("stream"), payload.text("error")),
			tags:     []string{"stemflow", "poison"},
			priority: "default",
		}, true
	case EventTest:
		return message{
			title:    "stemflow - Test",
			body:     "Notification system test",
			tags:     []string{"stemflow", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func labelOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func capitalize(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

// plain renders the message as one text block for channels without a title.
func (m message) plain() string {
	if m.title == "" {
		return m.body
	}
	return m.title + "\n" + m.body
}

// Channels returns the names of the delivery channels svc fans out to.
func Channels(svc Service) []string {
	f, ok := svc.(*fanoutService)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(f.notifiers))
	for _, n := range f.notifiers {
		names = append(names, n.name())
	}
	return names
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// NewNoop returns a Service that drops every event.
func NewNoop() Service {
	return noopService{}
}
