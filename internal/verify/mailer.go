package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

// Mailer delivers one verification code to one address.
type Mailer interface {
	SendCode(ctx context.Context, toAddress, code string) error
}

// ResendMailer sends verification codes through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
}

// NewResendMailer creates a Resend-backed mailer.
func NewResendMailer(apiKey, fromAddress string) (*ResendMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("resend api key is required")
	}
	if strings.TrimSpace(fromAddress) == "" {
		return nil, errors.New("from address is required")
	}
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		from:   fromAddress,
	}, nil
}

// SendCode emails the verification code.
func (m *ResendMailer) SendCode(ctx context.Context, toAddress, code string) error {
	_, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{toAddress},
		Subject: "Your verification code",
		Text: fmt.Sprintf(
			"Your verification code is %s.\n\nIt expires in 2 minutes. If you did not request it, ignore this email.",
			code),
	})
	if err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}
