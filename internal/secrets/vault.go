package secrets

import (
	"context"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azcertificates"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/pkg/errors"
)

// Vault abstracts the secret/certificate store used by invoice delivery.
// Resolved values are only valid for the duration of one delivery attempt.
type Vault interface {
	GetSecret(ctx context.Context, vaultURI, name, version string) (string, error)
	GetCertificate(ctx context.Context, vaultURI, name, version string) ([]byte, error)
}

// KeyVault implements Vault against Azure Key Vault. Clients are cached
// per vault URI; lookups themselves are not cached.
type KeyVault struct {
	credential azcore.TokenCredential

	mu           sync.Mutex
	secrets      map[string]*azsecrets.Client
	certificates map[string]*azcertificates.Client
}

// NewKeyVault creates a Key Vault client using the ambient Azure credential chain
func NewKeyVault() (*KeyVault, error) {
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire Azure credential")
	}

	return &KeyVault{
		credential:   credential,
		secrets:      make(map[string]*azsecrets.Client),
		certificates: make(map[string]*azcertificates.Client),
	}, nil
}

// GetSecret fetches one secret value from the given vault
func (v *KeyVault) GetSecret(ctx context.Context, vaultURI, name, version string) (string, error) {
	client, err := v.secretClient(vaultURI)
	if err != nil {
		return "", err
	}

	resp, err := client.GetSecret(ctx, name, version, nil)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %q", name)
	}
	if resp.Value == nil {
		return "", errors.Errorf("secret %q has no value", name)
	}

	return *resp.Value, nil
}

// GetCertificate fetches one certificate's public portion from the given vault
func (v *KeyVault) GetCertificate(ctx context.Context, vaultURI, name, version string) ([]byte, error) {
	client, err := v.certificateClient(vaultURI)
	if err != nil {
		return nil, err
	}

	resp, err := client.GetCertificate(ctx, name, version, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get certificate %q", name)
	}
	if len(resp.CER) == 0 {
		return nil, errors.Errorf("certificate %q has no content", name)
	}

	return resp.CER, nil
}

func (v *KeyVault) secretClient(vaultURI string) (*azsecrets.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if client, ok := v.secrets[vaultURI]; ok {
		return client, nil
	}

	client, err := azsecrets.NewClient(vaultURI, v.credential, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create secret client for %s", vaultURI)
	}
	v.secrets[vaultURI] = client
	return client, nil
}

func (v *KeyVault) certificateClient(vaultURI string) (*azcertificates.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if client, ok := v.certificates[vaultURI]; ok {
		return client, nil
	}

	client, err := azcertificates.NewClient(vaultURI, v.credential, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create certificate client for %s", vaultURI)
	}
	v.certificates[vaultURI] = client
	return client, nil
}
