package core

import "time"

// Role is the local role attached to an identity profile.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleIssuer      Role = "issuer"
	RoleBeneficiary Role = "beneficiary"
	RoleInstitution Role = "institution"
)

// Profile is the local metadata kept for a ledger identity.
type Profile struct {
	Identity string // Stellar account id (G...)
	Role     Role
	UserID   int64
}

// Challenge represents an identity-proof challenge issued to a party
type Challenge struct {
	Subject   string    // account id the challenge is bound to
	Nonce     []byte    // 48 random bytes
	Memo      *uint64   // optional id memo
	IssuedAt  time.Time // lower time bound
	ExpiresAt time.Time // upper time bound
	Envelope  string    // server-signed envelope, base64
	Network   string    // network passphrase
}

// VerifiedIdentity is the result of a successful challenge verification
type VerifiedIdentity struct {
	Identity string
	Role     Role
	UserID   int64
	Memo     *uint64
}

// Credential is a stateless session credential
type Credential struct {
	ID        string    // jti
	Identity  string    // sub
	UserID    int64     // userId
	Role      Role      // role
	Issuer    string    // iss, the authority domain
	IssuedAt  time.Time // iat
	ExpiresAt time.Time // exp
	Token     string    // signed form
}
