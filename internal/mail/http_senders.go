package mail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridSendPath = "/v3/mail/send"

// ResendSender sends through the Resend transactional email API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender points the Resend client at baseURL, normally
// https://api.resend.com/.
func NewResendSender(httpClient *http.Client, baseURL, apiKey, from string) (*ResendSender, error) {
	client := resend.NewCustomClient(httpClient, apiKey)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Resend base URL: %w", err)
		}
		client.BaseURL = u
	}
	return &ResendSender{client: client, from: from}, nil
}

func (s *ResendSender) Provider() string { return ProviderResend }

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	_, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("resend request failed: %w", err)
	}
	return nil
}

// SendGridSender sends through the SendGrid v3 mail send API.
type SendGridSender struct {
	client    *rest.Client
	request   rest.Request
	fromEmail string
	fromName  string
}

// NewSendGridSender targets host, normally https://api.sendgrid.com. Each Send
// works on a copy of the base request, so workers can share one sender.
func NewSendGridSender(httpClient *http.Client, host, apiKey, fromEmail, fromName string) *SendGridSender {
	request := sendgrid.GetRequest(apiKey, sendGridSendPath, strings.TrimRight(host, "/"))
	request.Method = rest.Post
	return &SendGridSender{
		client:    &rest.Client{HTTPClient: httpClient},
		request:   request,
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

func (s *SendGridSender) Provider() string { return ProviderSendGrid }

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	email := sgmail.NewSingleEmail(
		sgmail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		sgmail.NewEmail("", msg.To),
		msg.Text,
		"",
	)

	request := s.request
	request.Body = sgmail.GetRequestBody(email)

	resp, err := s.client.SendWithContext(ctx, request)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	// The SDK hands back non-2xx responses without an error.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := strings.TrimSpace(resp.Body)
		if len(body) > 1024 {
			body = body[:1024]
		}
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}
