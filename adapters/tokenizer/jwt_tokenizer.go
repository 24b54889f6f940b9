package tokenizer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
)

const AudienceSession = "edupass:session"

// JWTTokenizer implements the CredentialIssuer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	issuer  string
	clock   *clock.Clock
}

// NewJWTTokenizer creates a new JWT tokenizer. Tokens carry issuer as iss and
// are only accepted back with the same issuer.
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, issuer string, clk *clock.Clock) ports.CredentialIssuer {
	if clk == nil {
		clk = &clock.Clock{}
	}
	return &JWTTokenizer{signKey: signKey, issuer: issuer, clock: clk}
}

// LoadSigningKey parses a PEM encoded EC private key
func LoadSigningKey(pem string) (*ecdsa.PrivateKey, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

// Issue converts a Credential to a signed JWT
func (j *JWTTokenizer) Issue(cred *core.Credential) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.Identity,
			ID:        cred.ID,
			Issuer:    j.issuer,
			Audience:  jwt.ClaimStrings{AudienceSession},
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
		UserID: cred.UserID,
		Role:   string(cred.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}

	return signedToken, nil
}

// Parse verifies a JWT and converts it back to a Credential
func (j *JWTTokenizer) Parse(tokenStr string) (*core.Credential, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	},
		jwt.WithAudience(AudienceSession),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.clock.Now),
	)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidCredential, err, "parse credential")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, core.Errorf(core.KindInvalidCredential, "invalid claims")
	}

	cred := &core.Credential{
		ID:        claims.ID,
		Identity:  claims.Subject,
		UserID:    claims.UserID,
		Role:      core.Role(claims.Role),
		Issuer:    claims.Issuer,
		ExpiresAt: claims.ExpiresAt.Time,
		Token:     tokenStr,
	}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}
	return cred, nil
}
