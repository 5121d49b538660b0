// internal/service/email/service.go
package email

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

var errHeaderInjection = errors.New("header value contains a line break")

// Config is the SMTP account reporter emails go out from. ImplicitTLS dials
// TLS directly (port 465); otherwise the connection upgrades with STARTTLS.
type Config struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromName    string
	ImplicitTLS bool
}

// Sender delivers reporter emails over SMTP.
type Sender struct {
	cfg Config
	now func() time.Time
}

func NewSender(cfg Config) *Sender {
	return &Sender{cfg: cfg, now: time.Now}
}

// Enabled reports whether SMTP is configured at all.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != "" && s.cfg.Username != ""
}

// Send wraps bodyHTML in the Civic Report layout and delivers it to one
// recipient.
func (s *Sender) Send(to, subject, bodyHTML string) error {
	msg, err := s.compose(to, subject, bodyHTML)
	if err != nil {
		return err
	}
	if err := s.deliver(to, msg); err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	return nil
}

// compose builds the RFC 5322 message. Issue titles end up in the subject,
// so it is Q-encoded and checked for line breaks.
func (s *Sender) compose(to, subject, bodyHTML string) ([]byte, error) {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return nil, errHeaderInjection
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	from := mail.Address{Name: s.cfg.FromName, Address: s.cfg.Username}

	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", rcpt.String())
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", s.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(layout(bodyHTML))
	return b.Bytes(), nil
}

func (s *Sender) deliver(to string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	if !s.cfg.ImplicitTLS {
		return smtp.SendMail(addr, auth, s.cfg.Username, []string{to}, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := client.Mail(s.cfg.Username); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end DATA: %w", err)
	}
	return client.Quit()
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>Civic Report</title>
<style>
body { font-family: Arial, sans-serif; background-color: #f6f8fa; padding: 30px; }
.container { max-width: 600px; margin: auto; background: #fff; border-radius: 10px; overflow: hidden; }
.header { background: #004aad; color: white; text-align: center; padding: 20px; font-size: 22px; font-weight: bold; }
.body { padding: 25px; color: #333; line-height: 1.6; }
.footer { background: #f1f1f1; color: #555; text-align: center; padding: 15px; font-size: 13px; }
</style>
</head>
<body>
<div class="container">
<div class="header">Civic Report</div>
<div class="body">
`

const layoutFoot = `
</div>
<div class="footer">You are receiving this because you reported an issue through Civic Report.</div>
</div>
</body>
</html>
`

func layout(content string) string {
	return layoutHead + strings.TrimSpace(content) + layoutFoot
}
