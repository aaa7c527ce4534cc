package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type ntfyNotifier struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyNotifier) name() string { return "ntfy" }

func (n *ntfyNotifier) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}
	return do(n.client, req, "ntfy")
}

type slackNotifier struct {
	webhook string
	client  *http.Client
}

func (s *slackNotifier) name() string { return "slack" }

func (s *slackNotifier) send(ctx context.Context, msg message) error {
	body, err := json.Marshal(map[string]string{"text": msg.plain()})
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	return do(s.client, req, "slack")
}

type telegramNotifier struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func (t *telegramNotifier) name() string { return "telegram" }

func (t *telegramNotifier) send(ctx context.Context, msg message) error {
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", msg.plain())
	endpoint := strings.TrimRight(t.baseURL, "/") + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(t.client, req, "telegram")
}

func do(client *http.Client, req *http.Request, channel string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s notification: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s returned %d: %s", channel, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
