package delivery

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/backstage/services/billing/internal/models"
)

const httpErrorBodyLimit = 2048

// HTTPTransport streams a part as the request body of a single HTTP
// call. A fresh client is built per send so certificate material never
// outlives the attempt.
type HTTPTransport struct {
	timeout   time.Duration
	newClient func(instructions *TransportInstructions) (*http.Client, error)
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	t := &HTTPTransport{timeout: timeout}
	t.newClient = t.defaultClient
	return t
}

func (t *HTTPTransport) Type() models.TransportType {
	return models.TransportTypeHTTP
}

func (t *HTTPTransport) Send(ctx context.Context, part *EncodedPart, instructions *TransportInstructions) error {
	defer closePart(part)

	client, err := t.newClient(instructions)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	verb := instructions.HTTPVerb
	if verb == "" {
		verb = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, verb, instructions.DestinationURL, part.Data)
	if err != nil {
		return NewConfigurationError("invalid http delivery request: %v", err)
	}
	for name, value := range instructions.HTTPHeaders {
		req.Header.Set(name, value)
	}
	if part.ContentType != "" {
		req.Header.Set("Content-Type", part.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{Op: "http request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// defaultClient enables mutual TLS when certificate material is present.
// The material is expected to be a PEM bundle carrying both the client
// certificate and its private key.
func (t *HTTPTransport) defaultClient(instructions *TransportInstructions) (*http.Client, error) {
	client := &http.Client{Timeout: t.timeout}
	if len(instructions.Certificate) == 0 {
		return client, nil
	}

	cert, err := tls.X509KeyPair(instructions.Certificate, instructions.Certificate)
	if err != nil {
		return nil, NewConfigurationError("invalid client certificate: %v", err)
	}
	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}
	return client, nil
}
