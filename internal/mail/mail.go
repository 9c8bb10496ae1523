// Package mail sends notification emails through SendGrid.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

var (
	ErrKeyMissing           = errors.New("sendgrid api key is not set")
	ErrInvalidMailSender    = errors.New("invalid mail sender")
	ErrInvalidMailRecipient = errors.New("invalid mail recipient")
)

type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

func Send(ctx context.Context, msg *Message) error {
	sendgridApiKey := os.Getenv("SENDGRID_API_KEY")

	if sendgridApiKey == "" {
		return ErrKeyMissing
	}

	if msg.From == "" {
		return ErrInvalidMailSender
	}

	if msg.To == "" {
		return ErrInvalidMailRecipient
	}

	from := sgmail.NewEmail(msg.From, msg.From)
	to := sgmail.NewEmail(msg.To, msg.To)

	message := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)
	client := sendgrid.NewSendClient(sendgridApiKey)

	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	slog.Debug("email sent", "to", msg.To, "status", resp.StatusCode, "messageId", resp.Headers["X-Message-Id"])
	return nil
}
