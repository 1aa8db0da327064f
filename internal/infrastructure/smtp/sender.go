// Package smtp delivers contact-form messages to the clinic inbox.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/domain/contact"
	"github.com/cmmsalud/clinic-api/pkg/circuitbreaker"
)

const (
	defaultPort     = 465
	defaultFromName = "CMM Salud"
	defaultToName   = "Contact"
	dialTimeout     = 15 * time.Second
)

// Config holds SMTP connection and addressing settings
type Config struct {
	Host        string
	Port        int
	UseStartTLS bool
	Username    string
	Password    string
	FromEmail   string
	FromName    string
	ToEmail     string
	ToName      string
}

// ErrNotConfigured is returned when required settings are missing.
var ErrNotConfigured = errors.New("smtp is not configured")

// Validate reports the first missing setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return fmt.Errorf("%w: host is empty", ErrNotConfigured)
	case c.Port <= 0:
		return fmt.Errorf("%w: invalid port %d", ErrNotConfigured, c.Port)
	case strings.TrimSpace(c.Username) == "":
		return fmt.Errorf("%w: username is empty", ErrNotConfigured)
	case strings.TrimSpace(c.Password) == "":
		return fmt.Errorf("%w: password is empty", ErrNotConfigured)
	}
	return nil
}

// IsPermanent reports errors that retrying cannot fix: missing settings and
// 5xx replies from the server.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNotConfigured) {
		return true
	}
	var te *textproto.Error
	return errors.As(err, &te) && te.Code >= 500
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.FromEmail) == "" {
		c.FromEmail = c.Username
	}
	if strings.TrimSpace(c.FromName) == "" {
		c.FromName = defaultFromName
	}
	if strings.TrimSpace(c.ToEmail) == "" {
		c.ToEmail = c.Username
	}
	if strings.TrimSpace(c.ToName) == "" {
		c.ToName = defaultToName
	}
	return c
}

type deliverFunc func(ctx context.Context, from string, to []string, msg []byte) error

// Sender sends contact emails through an SMTP relay.
type Sender struct {
	cfg     Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
	deliver deliverFunc
}

// NewSender creates a new SMTP sender. breaker may be nil.
func NewSender(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{
		cfg:     cfg.withDefaults(),
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
	s.deliver = s.dialAndSend
	logger.Info("smtp configured",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
		zap.String("user", s.cfg.Username),
		zap.Bool("starttls", s.cfg.UseStartTLS),
		zap.Int("password_length", len(cleanPassword(s.cfg.Password))))
	return s
}

// SendContact delivers m to the configured inbox with Reply-To set to the
// sender of the form.
func (s *Sender) SendContact(ctx context.Context, m *contact.Message) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	msg, err := BuildContactMessage(s.cfg, m, s.now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	send := func(ctx context.Context) error {
		return s.deliver(ctx, s.cfg.FromEmail, []string{s.cfg.ToEmail}, msg)
	}
	s.logger.Info("sending contact email",
		zap.String("message_id", m.ID.String()),
		zap.String("to", s.cfg.ToEmail),
		zap.String("reply_to", m.Email))
	if s.breaker != nil {
		return s.breaker.Do(ctx, send)
	}
	return send(ctx)
}

// BuildContactMessage renders the RFC 5322 message for m.
func BuildContactMessage(cfg Config, m *contact.Message, now time.Time) ([]byte, error) {
	cfg = cfg.withDefaults()
	name := strings.TrimSpace(m.Name)
	email := strings.TrimSpace(m.Email)
	text := strings.TrimSpace(m.Message)

	var body bytes.Buffer
	body.WriteString("<div style='font-family: Arial, sans-serif; line-height:1.5'>\n")
	body.WriteString("  <h2>New contact message</h2>\n")
	fmt.Fprintf(&body, "  <p><b>Name:</b> %s</p>\n", html.EscapeString(name))
	fmt.Fprintf(&body, "  <p><b>Email:</b> %s</p>\n", html.EscapeString(email))
	body.WriteString("  <hr />\n")
	fmt.Fprintf(&body, "  <p style='white-space: pre-wrap'>%s</p>\n", html.EscapeString(text))
	body.WriteString("  <hr />\n")
	body.WriteString("  <p style='color:#666;font-size:12px'>Sent from the CMM Salud contact form</p>\n")
	body.WriteString("</div>\n")

	from := mail.Address{Name: cfg.FromName, Address: cfg.FromEmail}
	to := mail.Address{Name: cfg.ToName, Address: cfg.ToEmail}

	var out bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&out, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to.String())
	if strings.Contains(email, "@") {
		if addr, err := mail.ParseAddress(email); err == nil {
			header("Reply-To", addr.String())
		}
	}
	header("Subject", mime.QEncoding.Encode("utf-8", "CMM Salud contact - "+name))
	header("Date", now.UTC().Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@"+domainOf(cfg.FromEmail)+">")
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	out.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&out)
	if _, err := qp.Write(body.Bytes()); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// dialAndSend uses implicit TLS on port 465 and STARTTLS elsewhere when
// enabled.
func (s *Sender) dialAndSend(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	var err error
	if s.cfg.Port == defaultPort {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}, Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if s.cfg.Port != defaultPort && s.cfg.UseStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("server %s does not offer STARTTLS", addr)
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	auth := smtp.PlainAuth("", strings.TrimSpace(s.cfg.Username), cleanPassword(s.cfg.Password), s.cfg.Host)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return c.Quit()
}

// App passwords are often pasted with spaces.
func cleanPassword(p string) string {
	return strings.TrimSpace(strings.ReplaceAll(p, " ", ""))
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
