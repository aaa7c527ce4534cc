package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"stemflow/internal/config"
)

type emailNotifier struct {
	addr     string
	host     string
	username string
	password string
	from     string
	to       []string
	timeout  time.Duration
}

func newEmailNotifier(n config.Notifications, timeout time.Duration) *emailNotifier {
	from := n.SMTPUsername
	if from == "" {
		from = "stemflow@localhost"
	}
	return &emailNotifier{
		addr:     net.JoinHostPort(n.SMTPServer, strconv.Itoa(n.SMTPPort)),
		host:     n.SMTPServer,
		username: n.SMTPUsername,
		password: n.SMTPPassword,
		from:     from,
		to:       append([]string(nil), n.Emails...),
		timeout:  timeout,
	}
}

func (e *emailNotifier) name() string { return "email" }

func (e *emailNotifier) send(ctx context.Context, msg message) error {
	dialer := net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, e.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.username != "" && e.password != "" {
		if err := client.Auth(smtp.PlainAuth("", e.username, e.password, e.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range e.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildEmail(e.from, e.to, msg, time.Now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func buildEmail(from string, to []string, msg message, now time.Time) []byte {
	var buf bytes.Buffer
	subject := msg.title
	if subject == "" {
		subject = "stemflow notification"
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(msg.body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}
