package models

import "time"

// SecretType is the declared type of a secret's payload.
type SecretType string

const (
	SecretTypeGeneric       SecretType = "generic"
	SecretTypePassword      SecretType = "password"
	SecretTypeAPIKey        SecretType = "api_key"
	SecretTypeSSHKey        SecretType = "ssh_key"
	SecretTypeCertificate   SecretType = "certificate"
	SecretTypeDatabase      SecretType = "database"
	SecretTypeOAuthToken    SecretType = "oauth_token"
	SecretTypeCreditCard    SecretType = "credit_card"
	SecretTypeNote          SecretType = "note"
	SecretTypeEnvVariable   SecretType = "env_variable"
	SecretTypeLicenseKey    SecretType = "license_key"
	SecretTypeWebhookSecret SecretType = "webhook_secret"
	SecretTypeEncryptionKey SecretType = "encryption_key"
)

// ValidSecretType reports whether t is one of the declared secret types.
func ValidSecretType(t SecretType) bool {
	switch t {
	case SecretTypeGeneric, SecretTypePassword, SecretTypeAPIKey, SecretTypeSSHKey,
		SecretTypeCertificate, SecretTypeDatabase, SecretTypeOAuthToken,
		SecretTypeCreditCard, SecretTypeNote, SecretTypeEnvVariable,
		SecretTypeLicenseKey, SecretTypeWebhookSecret, SecretTypeEncryptionKey:
		return true
	}
	return false
}

// Secret is one encrypted record in a vault. The value and the optional
// metadata blob are encrypted independently, each with its own nonce and tag,
// so either can be rewritten without touching the other. RowVersion guards
// concurrent updates.
type Secret struct {
	ID       string
	VaultID  string
	FolderID *string
	Name     string
	Type     SecretType

	Ciphertext    []byte
	Nonce         []byte
	AuthTag       []byte
	SchemeVersion int

	MetadataCiphertext []byte
	MetadataNonce      []byte
	MetadataTag        []byte

	ExpiresAt          *time.Time
	RotationReminderAt *time.Time
	LastRotatedAt      *time.Time

	IsShared   bool
	ShareCount int

	AccessCount    int
	LastAccessedAt *time.Time

	RowVersion int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasMetadata reports whether the secret carries an encrypted metadata blob.
func (s *Secret) HasMetadata() bool {
	return len(s.MetadataNonce) > 0
}
