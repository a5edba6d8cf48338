package delivery

import (
	"context"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/secrets"
)

// Strategy resolves secret placeholders in a delivery configuration and
// dispatches the encoded parts to the transport matching the configured
// transport type.
type Strategy struct {
	resolver   *secrets.Resolver
	transports map[models.TransportType]Transport
}

func NewStrategy(resolver *secrets.Resolver, transports ...Transport) *Strategy {
	byType := make(map[models.TransportType]Transport, len(transports))
	for _, t := range transports {
		byType[t.Type()] = t
	}
	return &Strategy{
		resolver:   resolver,
		transports: byType,
	}
}

// Send resolves the configuration once, then pushes every part through
// the selected transport in order. The first failing part aborts the
// remainder and closes the unsent streams.
func (s *Strategy) Send(ctx context.Context, cfg *models.InvoiceDeliveryConfiguration, parts ...*EncodedPart) error {
	transport, ok := s.transports[cfg.TransportType]
	if !ok {
		for _, part := range parts {
			closePart(part)
		}
		return NewConfigurationError("unsupported transport type %q", cfg.TransportType)
	}

	instructions, err := s.resolveInstructions(ctx, cfg)
	if err != nil {
		for _, part := range parts {
			closePart(part)
		}
		return err
	}

	for i, part := range parts {
		if err := transport.Send(ctx, part, instructions); err != nil {
			for _, unsent := range parts[i+1:] {
				closePart(unsent)
			}
			return err
		}
		log.Debug().
			Str("transport", string(cfg.TransportType)).
			Str("contentType", part.ContentType).
			Msg("Delivered invoice part")
	}
	return nil
}

// resolveInstructions expands placeholders field by field inside one
// resolution scope, so each distinct placeholder costs a single vault
// round-trip per send.
func (s *Strategy) resolveInstructions(ctx context.Context, cfg *models.InvoiceDeliveryConfiguration) (*TransportInstructions, error) {
	resolution := s.resolver.NewResolution()

	destination, err := resolution.ResolveString(ctx, cfg.DestinationURL)
	if err != nil {
		return nil, err
	}
	clientID, err := resolution.ResolveString(ctx, cfg.ClientID)
	if err != nil {
		return nil, err
	}
	clientSecret, certificate, err := resolution.ResolveCredential(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	if cfg.ClientCertificate != "" {
		_, certMaterial, err := resolution.ResolveCredential(ctx, cfg.ClientCertificate)
		if err != nil {
			return nil, err
		}
		if certMaterial != nil {
			certificate = certMaterial
		}
	}
	headers, err := resolution.ResolveHeaders(ctx, cfg.HTTPHeaders)
	if err != nil {
		return nil, err
	}

	return &TransportInstructions{
		DestinationURL: destination,
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		Certificate:    certificate,
		HTTPVerb:       cfg.HTTPVerb,
		HTTPHeaders:    headers,
	}, nil
}
