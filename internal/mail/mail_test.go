package mail

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eduhub/eduhub/internal/config"
	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestResolveStatusPrecedence(t *testing.T) {
	smtp := config.MailConfig{SMTPHost: "smtp.x", SMTPPort: 587, SMTPUser: "u", SMTPPassword: "p"}

	cases := []struct {
		name     string
		cfg      config.MailConfig
		provider string
	}{
		{"nothing", config.MailConfig{FromEmail: "from@x.com"}, ""},
		{"smtp without from", smtp, ""},
		{"partial smtp", config.MailConfig{SMTPHost: "smtp.x", FromEmail: "from@x.com"}, ""},
		{"smtp wins over resend", func() config.MailConfig {
			c := smtp
			c.FromEmail = "from@x.com"
			c.ResendAPIKey = "re_key"
			return c
		}(), ProviderSMTP},
		{"resend wins over sendgrid", config.MailConfig{FromEmail: "from@x.com", ResendAPIKey: "re", SendGridAPIKey: "sg"}, ProviderResend},
		{"sendgrid", config.MailConfig{FromEmail: "from@x.com", SendGridAPIKey: "sg"}, ProviderSendGrid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := ResolveStatus(&tc.cfg)
			if status.Provider != tc.provider {
				t.Fatalf("expected provider %q, got %q", tc.provider, status.Provider)
			}
			if status.Configured != (tc.provider != "") {
				t.Fatalf("configured mismatch: %+v", status)
			}

			sender, err := NewSender(&tc.cfg)
			if tc.provider == "" {
				if !errors.Is(err, ErrNotConfigured) {
					t.Fatalf("expected ErrNotConfigured, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("new sender: %v", err)
			}
			if sender.Provider() != tc.provider {
				t.Fatalf("sender provider %q, want %q", sender.Provider(), tc.provider)
			}
		})
	}
}

func TestResendSender(t *testing.T) {
	var got struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Text    string   `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer re_key" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	sender, err := NewResendSender(srv.Client(), srv.URL, "re_key", formatFrom("EduHub", "no-reply@x.com"))
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), Message{To: "a@x.com", Subject: "subject", Text: "body"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.From != "EduHub <no-reply@x.com>" || len(got.To) != 1 || got.To[0] != "a@x.com" || got.Text != "body" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestResendSenderReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"domain not verified"}`))
	}))
	defer srv.Close()

	sender, err := NewResendSender(srv.Client(), srv.URL+"/", "re_key", "no-reply@x.com")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	err = sender.Send(context.Background(), Message{To: "a@x.com", Subject: "s", Text: "t"})
	if err == nil || !strings.Contains(err.Error(), "domain not verified") {
		t.Fatalf("expected error carrying the API message, got %v", err)
	}
}

func TestSendGridSenderReportsFailureStatus(t *testing.T) {
	var got struct {
		Personalizations []struct {
			To []struct {
				Email string `json:"email"`
			} `json:"to"`
		} `json:"personalizations"`
		From struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"from"`
		Content []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"content"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sg_key" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	sender := NewSendGridSender(srv.Client(), srv.URL, "sg_key", "no-reply@x.com", "EduHub")
	err := sender.Send(context.Background(), Message{To: "a@x.com", Subject: "s", Text: "t"})
	if err == nil {
		t.Fatal("expected error on non-2xx response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("error should carry status and body, got %v", err)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Email != "a@x.com" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.From.Email != "no-reply@x.com" || got.From.Name != "EduHub" {
		t.Fatalf("unexpected from %+v", got.From)
	}
	if len(got.Content) != 1 || got.Content[0].Type != "text/plain" || got.Content[0].Value != "t" {
		t.Fatalf("unexpected content %+v", got.Content)
	}
}

func TestSendGridSenderAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewSendGridSender(srv.Client(), srv.URL+"/", "sg_key", "no-reply@x.com", "")
	if err := sender.Send(context.Background(), Message{To: "a@x.com", Subject: "s", Text: "t"}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestHTTPSenderConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := &http.Client{Timeout: time.Second}
	resendSender, err := NewResendSender(client, url, "k", "from@x.com")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := resendSender.Send(context.Background(), Message{To: "a@x.com"}); err == nil {
		t.Fatal("expected resend connection error")
	}

	sendGridSender := NewSendGridSender(client, url, "k", "from@x.com", "")
	if err := sendGridSender.Send(context.Background(), Message{To: "a@x.com"}); err == nil {
		t.Fatal("expected sendgrid connection error")
	}
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []Message
	err   error
	block chan struct{}
}

func (s *recordingSender) Provider() string { return "fake" }

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 10, 2, time.Second, newTestLogger())

	for i := 0; i < 5; i++ {
		if !d.Enqueue(Message{To: "a@x.com"}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := sender.count(); got != 5 {
		t.Fatalf("expected 5 deliveries, got %d", got)
	}
	if d.Enqueue(Message{To: "late@x.com"}) {
		t.Fatal("enqueue after close should be rejected")
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDispatcherSwallowsSendErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	d := NewDispatcher(sender, 1, 1, time.Second, newTestLogger())

	if !d.Enqueue(Message{To: "a@x.com"}) {
		t.Fatal("enqueue rejected")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one attempt, got %d", sender.count())
	}
}

func TestDispatcherRejectsWhenFull(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(sender, 1, 1, time.Second, newTestLogger())

	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Enqueue(Message{To: "a@x.com"}) {
			accepted++
		}
	}
	// One message in flight plus one queued at most.
	if accepted < 1 || accepted > 2 {
		t.Fatalf("expected 1 or 2 accepted messages, got %d", accepted)
	}

	close(sender.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sender.count() != accepted {
		t.Fatalf("expected %d deliveries, got %d", accepted, sender.count())
	}
}
