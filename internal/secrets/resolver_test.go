package secrets

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeVault records lookups so tests can assert namespacing and call counts
type fakeVault struct {
	secrets      map[string]string
	certificates map[string][]byte
	secretCalls  []string
	certCalls    []string
}

func (v *fakeVault) GetSecret(_ context.Context, _, name, _ string) (string, error) {
	v.secretCalls = append(v.secretCalls, name)
	if value, ok := v.secrets[name]; ok {
		return value, nil
	}
	return "", errors.Errorf("secret %q not found", name)
}

func (v *fakeVault) GetCertificate(_ context.Context, _, name, _ string) ([]byte, error) {
	v.certCalls = append(v.certCalls, name)
	if value, ok := v.certificates[name]; ok {
		return value, nil
	}
	return nil, errors.Errorf("certificate %q not found", name)
}

func TestResolveStringSubstitutesNamespacedSecret(t *testing.T) {
	vault := &fakeVault{secrets: map[string]string{"InvoiceDelivery-ApiKey": "s3cr3t"}}
	resolver := NewResolver(vault, "https://vault.example.org")

	resolved, err := resolver.ResolveString(context.Background(), "{{secret:ApiKey}}")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", resolved)
	require.Equal(t, []string{"InvoiceDelivery-ApiKey"}, vault.secretCalls)
}

func TestResolveStringIsIdempotent(t *testing.T) {
	vault := &fakeVault{secrets: map[string]string{"InvoiceDelivery-ApiKey": "s3cr3t"}}
	resolver := NewResolver(vault, "https://vault.example.org")

	first, err := resolver.ResolveString(context.Background(), "{{secret:ApiKey}}")
	require.NoError(t, err)
	second, err := resolver.ResolveString(context.Background(), "{{secret:ApiKey}}")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, vault.secretCalls, 2)
}

func TestResolutionFetchesEachPlaceholderOnce(t *testing.T) {
	vault := &fakeVault{
		secrets:      map[string]string{"InvoiceDelivery-ApiKey": "s3cr3t"},
		certificates: map[string][]byte{"InvoiceDelivery-ClientCert": []byte("pem")},
	}
	resolver := NewResolver(vault, "https://vault.example.org")
	resolution := resolver.NewResolution()

	first, err := resolution.ResolveString(context.Background(), "{{secret:ApiKey}}")
	require.NoError(t, err)
	second, err := resolution.ResolveString(context.Background(), "{{secret:ApiKey}}")
	require.NoError(t, err)
	require.Equal(t, first, second)

	headers, err := resolution.ResolveHeaders(context.Background(), map[string]string{
		"Authorization":   "{{secret:ApiKey}}",
		"X-Forwarded-Key": "{{secret:ApiKey}}",
	})
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", headers["Authorization"])
	require.Equal(t, "s3cr3t", headers["X-Forwarded-Key"])

	require.Equal(t, []string{"InvoiceDelivery-ApiKey"}, vault.secretCalls)

	_, _, err = resolution.ResolveCredential(context.Background(), "{{certificate:ClientCert}}")
	require.NoError(t, err)
	_, _, err = resolution.ResolveCredential(context.Background(), "{{certificate:ClientCert}}")
	require.NoError(t, err)
	require.Equal(t, []string{"InvoiceDelivery-ClientCert"}, vault.certCalls)
}

func TestResolveStringPassesLiteralsThrough(t *testing.T) {
	vault := &fakeVault{}
	resolver := NewResolver(vault, "https://vault.example.org")

	for _, literal := range []string{"plain-value", "", "secret:NotAPlaceholder", "{{secret:Trailing}} extra"} {
		resolved, err := resolver.ResolveString(context.Background(), literal)
		require.NoError(t, err)
		require.Equal(t, literal, resolved)
	}
	require.Empty(t, vault.secretCalls)
}

func TestResolveCredentialFetchesCertificateMaterial(t *testing.T) {
	vault := &fakeVault{certificates: map[string][]byte{"InvoiceDelivery-MTLS": {0x30, 0x82}}}
	resolver := NewResolver(vault, "https://vault.example.org")

	secret, certificate, err := resolver.ResolveCredential(context.Background(), "{{certificate:MTLS}}")
	require.NoError(t, err)
	require.Empty(t, secret)
	require.Equal(t, []byte{0x30, 0x82}, certificate)
	require.Equal(t, []string{"InvoiceDelivery-MTLS"}, vault.certCalls)
}

func TestResolveCredentialTreatsLiteralAsSecret(t *testing.T) {
	resolver := NewResolver(&fakeVault{}, "https://vault.example.org")

	secret, certificate, err := resolver.ResolveCredential(context.Background(), "hunter2")
	require.NoError(t, err)
	require.Equal(t, "hunter2", secret)
	require.Nil(t, certificate)
}

func TestResolveHeadersResolvesEachValueOnce(t *testing.T) {
	vault := &fakeVault{secrets: map[string]string{"InvoiceDelivery-Token": "abc"}}
	resolver := NewResolver(vault, "https://vault.example.org")

	resolved, err := resolver.ResolveHeaders(context.Background(), map[string]string{
		"Authorization": "{{secret:Token}}",
		"Accept":        "application/json",
	})
	require.NoError(t, err)
	require.Equal(t, "abc", resolved["Authorization"])
	require.Equal(t, "application/json", resolved["Accept"])
	require.Len(t, vault.secretCalls, 1)
}

func TestResolveStringFailsOnMissingSecret(t *testing.T) {
	resolver := NewResolver(&fakeVault{}, "https://vault.example.org")

	_, err := resolver.ResolveString(context.Background(), "{{secret:Absent}}")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Absent")
}
