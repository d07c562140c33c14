package alert

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"mercator-hq/warden/pkg/config"
)

var emailHTML = template.Must(template.New("alert").Parse(`<html>
<body>
  <h2>Warden LLM Gateway Alert</h2>
  <table border="1" cellpadding="5">
    <tr><th>Policy</th><td>{{.Policy}}</td></tr>
    <tr><th>Time</th><td>{{.Timestamp.Format "2006-01-02 15:04:05 MST"}}</td></tr>
    <tr><th>Who</th><td>{{.Who}}</td></tr>
    <tr><th>Provider</th><td>{{.Provider}}</td></tr>
    <tr><th>Reason</th><td>{{.Reason}}</td></tr>
    <tr><th>Mode</th><td>{{.Mode}}</td></tr>
    <tr><th>Action</th><td>{{.Action}}</td></tr>
  </table>
</body>
</html>
`))

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts over SMTP as a text and HTML multipart message.
type EmailChannel struct {
	addr     string
	host     string
	username string
	password string
	from     string
	to       []string
	sendMail sendMailFunc
}

// NewEmailChannel creates an SMTP channel.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{
		addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		host:     cfg.SMTPHost,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		sendMail: smtp.SendMail,
	}
}

// Name implements Channel.
func (e *EmailChannel) Name() string { return "email" }

// Send implements Channel. net/smtp has no context support, so the send
// runs in a goroutine and Send returns when ctx ends.
func (e *EmailChannel) Send(ctx context.Context, a Alert) error {
	if len(e.to) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	msg, err := e.compose(a)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}

	done := make(chan error, 1)
	go func() { done <- e.sendMail(e.addr, auth, e.from, e.to, msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}
}

func (e *EmailChannel) compose(a Alert) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text := fmt.Sprintf("Warden LLM Gateway Alert\n\nPolicy: %s\nTime: %s\nWho: %s\nProvider: %s\n\nReason: %s\n\nMode: %s\nAction: %s\n",
		a.Policy, a.Timestamp.Format(time.RFC3339), a.Who(), a.Provider, a.Reason, a.Mode, a.Action)

	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, fmt.Errorf("compose email: %w", err)
	}
	if _, err := part.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("compose email: %w", err)
	}

	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
	if err != nil {
		return nil, fmt.Errorf("compose email: %w", err)
	}
	if err := emailHTML.Execute(part, a); err != nil {
		return nil, fmt.Errorf("compose email: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose email: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", a.Title())
	fmt.Fprintf(&msg, "Date: %s\r\n", a.Timestamp.Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
