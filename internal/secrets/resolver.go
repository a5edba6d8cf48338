package secrets

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
)

// Namespace prefixes every vault lookup made on behalf of invoice delivery
const Namespace = "InvoiceDelivery"

// A configuration field is either a literal value or exactly one
// placeholder spanning the whole field. Mixed literal+placeholder values
// are not supported.
var (
	secretPattern      = regexp.MustCompile(`^\{\{secret:([^{}]+)\}\}$`)
	certificatePattern = regexp.MustCompile(`^\{\{certificate:([^{}]+)\}\}$`)
)

// Resolver substitutes secret and certificate placeholders with values
// fetched from a vault.
type Resolver struct {
	vault    Vault
	vaultURI string
}

// NewResolver creates a resolver bound to one vault URI
func NewResolver(vault Vault, vaultURI string) *Resolver {
	return &Resolver{vault: vault, vaultURI: vaultURI}
}

// NewResolution opens a resolution scope that memoizes vault lookups, so
// a placeholder repeated across fields costs one round-trip. Resolved
// values are only valid for the duration of one delivery attempt, which
// bounds the scope's lifetime.
func (r *Resolver) NewResolution() *Resolution {
	return &Resolution{
		resolver:     r,
		secrets:      make(map[string]string),
		certificates: make(map[string][]byte),
	}
}

// ResolveString resolves a single field in its own resolution scope
func (r *Resolver) ResolveString(ctx context.Context, value string) (string, error) {
	return r.NewResolution().ResolveString(ctx, value)
}

// ResolveCredential resolves a single field in its own resolution scope
func (r *Resolver) ResolveCredential(ctx context.Context, value string) (secret string, certificate []byte, err error) {
	return r.NewResolution().ResolveCredential(ctx, value)
}

// ResolveHeaders resolves a header map in its own resolution scope
func (r *Resolver) ResolveHeaders(ctx context.Context, headers map[string]string) (map[string]string, error) {
	return r.NewResolution().ResolveHeaders(ctx, headers)
}

// Resolution resolves placeholders against the vault, fetching each
// distinct placeholder name at most once.
type Resolution struct {
	resolver     *Resolver
	secrets      map[string]string
	certificates map[string][]byte
}

func (s *Resolution) getSecret(ctx context.Context, name string) (string, error) {
	if v, ok := s.secrets[name]; ok {
		return v, nil
	}
	v, err := s.resolver.vault.GetSecret(ctx, s.resolver.vaultURI, Namespace+"-"+name, "")
	if err != nil {
		return "", err
	}
	s.secrets[name] = v
	return v, nil
}

func (s *Resolution) getCertificate(ctx context.Context, name string) ([]byte, error) {
	if v, ok := s.certificates[name]; ok {
		return v, nil
	}
	v, err := s.resolver.vault.GetCertificate(ctx, s.resolver.vaultURI, Namespace+"-"+name, "")
	if err != nil {
		return nil, err
	}
	s.certificates[name] = v
	return v, nil
}

// ResolveString resolves a {{secret:<name>}} placeholder, passing literal
// values through unchanged. Certificate placeholders are rejected here:
// the field does not carry binary material.
func (s *Resolution) ResolveString(ctx context.Context, value string) (string, error) {
	if match := secretPattern.FindStringSubmatch(value); match != nil {
		resolved, err := s.getSecret(ctx, match[1])
		if err != nil {
			return "", errors.Wrapf(err, "failed to resolve secret placeholder %q", match[1])
		}
		return resolved, nil
	}

	if certificatePattern.MatchString(value) {
		return "", errors.Errorf("certificate placeholder not allowed in string field: %s", value)
	}

	return value, nil
}

// ResolveCredential resolves a credential field that may name either a
// secret or a certificate. Exactly one of the returns is populated for a
// placeholder; a literal value comes back as the secret.
func (s *Resolution) ResolveCredential(ctx context.Context, value string) (secret string, certificate []byte, err error) {
	if match := certificatePattern.FindStringSubmatch(value); match != nil {
		certificate, err = s.getCertificate(ctx, match[1])
		if err != nil {
			return "", nil, errors.Wrapf(err, "failed to resolve certificate placeholder %q", match[1])
		}
		return "", certificate, nil
	}

	secret, err = s.ResolveString(ctx, value)
	if err != nil {
		return "", nil, err
	}
	return secret, nil, nil
}

// ResolveHeaders resolves placeholder values in an HTTP header map,
// returning a fresh map so the configuration stays untouched.
func (s *Resolution) ResolveHeaders(ctx context.Context, headers map[string]string) (map[string]string, error) {
	if headers == nil {
		return nil, nil
	}

	resolved := make(map[string]string, len(headers))
	for key, value := range headers {
		v, err := s.ResolveString(ctx, value)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve header %q", key)
		}
		resolved[key] = v
	}
	return resolved, nil
}
