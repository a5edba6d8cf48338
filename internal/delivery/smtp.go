package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"

	"example.com/backstage/services/billing/internal/models"
)

// SMTPSettings configure the relay used for mail deliveries. The sender
// address comes from service configuration, never from the payload.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Sender   string
}

// mailPayload is the JSON surrogate an SMTP part carries instead of a
// raw invoice document.
type mailPayload struct {
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Attachments []mailAttachment `json:"attachments"`
}

type mailAttachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

type mailClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPTransport decodes the part's mail surrogate and relays it through
// the configured SMTP host.
type SMTPTransport struct {
	settings  SMTPSettings
	newClient func(settings SMTPSettings) (mailClient, error)
}

func NewSMTPTransport(settings SMTPSettings) *SMTPTransport {
	return &SMTPTransport{
		settings:  settings,
		newClient: newMailClient,
	}
}

func (t *SMTPTransport) Type() models.TransportType {
	return models.TransportTypeSMTP
}

func (t *SMTPTransport) Send(ctx context.Context, part *EncodedPart, instructions *TransportInstructions) error {
	defer closePart(part)

	raw, err := io.ReadAll(part.Data)
	if err != nil {
		return errors.Wrap(err, "failed to read mail payload")
	}
	var payload mailPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return NewConfigurationError("malformed mail payload: %v", err)
	}
	if payload.To == "" {
		return NewConfigurationError("mail payload is missing a recipient")
	}

	msg := mail.NewMsg()
	if err := msg.From(t.settings.Sender); err != nil {
		return NewConfigurationError("invalid sender address %q: %v", t.settings.Sender, err)
	}
	if err := msg.To(payload.To); err != nil {
		return NewConfigurationError("invalid recipient address %q: %v", payload.To, err)
	}
	msg.Subject(payload.Subject)
	msg.SetBodyString(mail.TypeTextPlain, payload.Body)
	for _, attachment := range payload.Attachments {
		err := msg.AttachReader(attachment.FileName, bytes.NewReader(attachment.Content),
			mail.WithFileContentType(mail.ContentType(attachment.ContentType)))
		if err != nil {
			return errors.Wrapf(err, "failed to attach %s", attachment.FileName)
		}
	}

	client, err := t.newClient(t.settings)
	if err != nil {
		return &TransportError{Op: "smtp client setup", Err: err}
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return &DeliveryError{Message: err.Error()}
	}
	return nil
}

func newMailClient(settings SMTPSettings) (mailClient, error) {
	opts := []mail.Option{
		mail.WithPort(settings.Port),
	}
	if settings.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(settings.Username),
			mail.WithPassword(settings.Password),
		)
	}
	if settings.UseTLS {
		opts = append(opts, mail.WithSSLPort(false))
	}
	return mail.NewClient(settings.Host, opts...)
}
