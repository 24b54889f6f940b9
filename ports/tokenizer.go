package ports

import "github.com/layer-3/edupass/core"

// CredentialIssuer converts between session credentials and bearer tokens
type CredentialIssuer interface {
	// Issue signs the credential claims and returns the token.
	Issue(cred *core.Credential) (string, error)
	// Parse verifies a token and returns its credential.
	Parse(token string) (*core.Credential, error)
}
