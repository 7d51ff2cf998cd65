package domain

import (
	"time"
)

// CredentialKind discriminates the credential variants a store can produce.
type CredentialKind string

const (
	CredentialSimple CredentialKind = "simple"
	CredentialBearer CredentialKind = "bearer"
	CredentialAWS    CredentialKind = "aws"
)

// AWSMaterial carries AWS signing material for SigV4 providers.
type AWSMaterial struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Credential is an immutable resolved secret. Values are shared freely after
// creation; nothing mutates a Credential once a store has returned it.
type Credential struct {
	Kind      CredentialKind
	APIKey    string
	Token     string
	AWS       AWSMaterial
	ExpiresAt time.Time // zero means no store-supplied expiry
}

// Expired reports whether the credential must not be served from cache.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// AuthHeaders returns the HTTP headers this credential injects. AWS
// credentials sign the whole request instead and return no headers here.
func (c Credential) AuthHeaders() map[string]string {
	switch c.Kind {
	case CredentialSimple:
		return map[string]string{"Authorization": "Bearer " + c.APIKey}
	case CredentialBearer:
		return map[string]string{"Authorization": "Bearer " + c.Token}
	default:
		return nil
	}
}
