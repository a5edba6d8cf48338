package delivery

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

type fakeMailClient struct {
	sent    []*mail.Msg
	sendErr error
}

func (c *fakeMailClient) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, messages...)
	return nil
}

func newFakeSMTPTransport(client *fakeMailClient) *SMTPTransport {
	transport := NewSMTPTransport(SMTPSettings{
		Host:   "smtp.example.org",
		Port:   587,
		Sender: "sender@example.org",
	})
	transport.newClient = func(_ SMTPSettings) (mailClient, error) {
		return client, nil
	}
	return transport
}

func renderMessage(t *testing.T, msg *mail.Msg) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestSMTPTransportSendsMailSurrogate(t *testing.T) {
	client := &fakeMailClient{}
	transport := newFakeSMTPTransport(client)

	payload := `{"To":"to@example.org","Subject":"subject line","Body":"email text"}`
	err := transport.Send(context.Background(), &EncodedPart{Data: strings.NewReader(payload)}, &TransportInstructions{})
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	rendered := renderMessage(t, client.sent[0])
	require.Contains(t, rendered, "From: <sender@example.org>")
	require.Contains(t, rendered, "To: <to@example.org>")
	require.Contains(t, rendered, "Subject: subject line")
	require.Contains(t, rendered, "email text")
}

func TestSMTPTransportAttachesPayloadAttachments(t *testing.T) {
	client := &fakeMailClient{}
	transport := newFakeSMTPTransport(client)

	payload := `{
		"To": "to@example.org",
		"Subject": "invoice",
		"Body": "see attached",
		"Attachments": [
			{"file_name": "invoice.csv", "content_type": "text/csv", "content": "YSxiLGM="}
		]
	}`
	err := transport.Send(context.Background(), &EncodedPart{Data: strings.NewReader(payload)}, &TransportInstructions{})
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	rendered := renderMessage(t, client.sent[0])
	require.Contains(t, rendered, "invoice.csv")
	require.Contains(t, rendered, "text/csv")
}

func TestSMTPTransportRejectsMalformedPayload(t *testing.T) {
	transport := newFakeSMTPTransport(&fakeMailClient{})

	err := transport.Send(context.Background(), &EncodedPart{Data: strings.NewReader("not json")}, &TransportInstructions{})

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSMTPTransportRequiresRecipient(t *testing.T) {
	transport := newFakeSMTPTransport(&fakeMailClient{})

	err := transport.Send(context.Background(), &EncodedPart{Data: strings.NewReader(`{"Subject":"s"}`)}, &TransportInstructions{})

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSMTPTransportRelayFailureBecomesDeliveryError(t *testing.T) {
	client := &fakeMailClient{sendErr: errors.New("550 mailbox unavailable")}
	transport := newFakeSMTPTransport(client)

	payload := `{"To":"to@example.org","Subject":"s","Body":"b"}`
	err := transport.Send(context.Background(), &EncodedPart{Data: strings.NewReader(payload)}, &TransportInstructions{})

	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	require.Contains(t, deliveryErr.Message, "mailbox unavailable")
}
