// Package notifications delivers pipeline events to every configured channel.
//
// NewService inspects the notifications section of config.toml and builds one
// notifier per configured channel (ntfy, Slack, Telegram, email, Discord),
// fanning each event out to all of them. A failing channel never prevents
// delivery to the others; errors are joined and returned so callers can log
// them. When nothing is configured a no-op implementation is returned.
//
// Workflow code depends only on the Service interface and the enumerated
// events so stage workers emit consistent messages without HTTP glue.
package notifications
