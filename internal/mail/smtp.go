package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/eduhub/eduhub/internal/config"
	"gopkg.in/gomail.v2"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPSender renders messages with gomail and delivers them over a connection
// it dials itself, so the whole exchange is bounded by the send context.
// gomail's own Dialer sets no deadline once connected.
type SMTPSender struct {
	host      string
	port      int
	username  string
	password  string
	ssl       bool
	fromEmail string
	fromName  string
}

func NewSMTPSender(cfg *config.MailConfig) *SMTPSender {
	return &SMTPSender{
		host:      cfg.SMTPHost,
		port:      cfg.SMTPPort,
		username:  cfg.SMTPUser,
		password:  cfg.SMTPPassword,
		ssl:       cfg.SMTPSecure,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}
}

func (s *SMTPSender) Provider() string { return ProviderSMTP }

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.fromEmail, s.fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)

	client, stop, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to send email via smtp: %w", err)
	}
	defer stop()
	defer client.Close()

	send := gomail.SendFunc(func(from string, to []string, body io.WriterTo) error {
		if err := client.Mail(from); err != nil {
			return err
		}
		for _, addr := range to {
			if err := client.Rcpt(addr); err != nil {
				return err
			}
		}
		w, err := client.Data()
		if err != nil {
			return err
		}
		if _, err := body.WriteTo(w); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err := gomail.Send(send, m); err != nil {
		return fmt.Errorf("failed to send email via smtp: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to close smtp session: %w", err)
	}
	return nil
}

// dial connects, negotiates TLS and authenticates. Every read and write on the
// connection shares the context deadline, and cancelling ctx closes it.
func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, func() bool, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSMTPTimeout)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return nil, nil, err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	tlsConfig := &tls.Config{ServerName: s.host}
	if s.ssl {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, err
	}
	fail := func(err error) (*smtp.Client, func() bool, error) {
		stop()
		client.Close()
		return nil, nil, err
	}

	if !s.ssl {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fail(err)
			}
		}
	}

	if s.username != "" {
		if ok, mechanisms := client.Extension("AUTH"); ok {
			if err := client.Auth(s.auth(mechanisms)); err != nil {
				return fail(err)
			}
		}
	}

	return client, stop, nil
}

// auth follows gomail's mechanism choice: CRAM-MD5, then LOGIN when PLAIN is
// not offered, then PLAIN.
func (s *SMTPSender) auth(mechanisms string) smtp.Auth {
	switch {
	case strings.Contains(mechanisms, "CRAM-MD5"):
		return smtp.CRAMMD5Auth(s.username, s.password)
	case strings.Contains(mechanisms, "LOGIN") && !strings.Contains(mechanisms, "PLAIN"):
		return &loginAuth{username: s.username, password: s.password}
	default:
		return smtp.PlainAuth("", s.username, s.password, s.host)
	}
}

type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, fmt.Errorf("unencrypted connection")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
}
