package delivery

import (
	"context"
	"fmt"
	"io"

	"example.com/backstage/services/billing/internal/models"
)

// EncodedPart is a content-type-tagged payload stream handed to a
// transport. The transport owns the stream for the duration of Send and
// must fully consume or close it before returning.
type EncodedPart struct {
	ContentType  string
	FileName     string
	IsAttachment bool
	Data         io.Reader
}

// TransportInstructions are the resolved, per-attempt send parameters.
// They are built fresh for every delivery and never persisted.
type TransportInstructions struct {
	DestinationURL string
	ClientID       string
	ClientSecret   string
	Certificate    []byte
	HTTPVerb       string
	HTTPHeaders    map[string]string
}

// Transport pushes one encoded part to a remote endpoint. Implementations
// construct and tear down their own client per call; nothing is shared
// between concurrent sends.
type Transport interface {
	Type() models.TransportType
	Send(ctx context.Context, part *EncodedPart, instructions *TransportInstructions) error
}

// ConfigurationError signals an unusable delivery configuration: an
// unsupported transport type, a malformed destination, missing settings.
// Never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// NewConfigurationError builds a ConfigurationError from a format string
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// TransportError signals a connection-level failure (DNS, TCP, TLS,
// authentication) before the remote endpoint saw the payload. The caller
// decides whether to re-deliver.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeliveryError signals that the remote endpoint explicitly rejected the
// payload after a connection was established.
type DeliveryError struct {
	StatusCode int
	Message    string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery rejected with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("delivery rejected: %s", e.Message)
}

// closePart releases the part's stream when it is closeable. Transports
// call it on every exit path so no dangling resources survive a Send.
func closePart(part *EncodedPart) {
	if closer, ok := part.Data.(io.Closer); ok {
		_ = closer.Close()
	}
}
