// Package envelope implements the binary transaction envelope exchanged with
// the ledger: a transaction body, the signatures over its network-scoped hash,
// and a base64 text form for transport.
//
// Bodies are encoded with deterministic CBOR so that every party computes the
// same hash for the same transaction.
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

var (
	// ErrMalformed is returned when an envelope cannot be decoded.
	ErrMalformed = errors.New("malformed envelope")

	// ErrNoSignature is returned when no signature matches a signer.
	ErrNoSignature = errors.New("no matching signature")
)

// envelopeTypeTx domain-separates transaction hashes from other signed data.
var envelopeTypeTx = []byte{0, 0, 0, 2}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1024}).DecMode(); err != nil {
		panic(err)
	}
}

// TimeBounds limits when a transaction is valid, in unix seconds. A zero
// MaxTime means no upper bound.
type TimeBounds struct {
	MinTime int64 `cbor:"1,keyasint"`
	MaxTime int64 `cbor:"2,keyasint"`
}

// Transaction is the signed body of an envelope.
type Transaction struct {
	Source     string      `cbor:"1,keyasint"`
	Fee        uint32      `cbor:"2,keyasint"`
	Sequence   int64       `cbor:"3,keyasint"`
	TimeBounds *TimeBounds `cbor:"4,keyasint,omitempty"`
	Memo       *uint64     `cbor:"5,keyasint,omitempty"`
	Operations []Operation `cbor:"6,keyasint"`
}

// DecoratedSignature is a signature plus the last four bytes of the signer's
// public key, so verifiers can skip non-matching keys cheaply.
type DecoratedSignature struct {
	Hint      [4]byte `cbor:"1,keyasint"`
	Signature []byte  `cbor:"2,keyasint"`
}

// Envelope is a transaction with its signatures.
type Envelope struct {
	Tx         Transaction          `cbor:"1,keyasint"`
	Signatures []DecoratedSignature `cbor:"2,keyasint,omitempty"`
}

// Hash returns the network-scoped hash that signers sign.
func (tx *Transaction) Hash(passphrase string) ([32]byte, error) {
	body, err := encMode.Marshal(tx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode transaction: %w", err)
	}
	networkID := network.ID(passphrase)
	h := sha256.New()
	h.Write(networkID[:])
	h.Write(envelopeTypeTx)
	h.Write(body)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashHex returns Hash as lowercase hex.
func (tx *Transaction) HashHex(passphrase string) (string, error) {
	h, err := tx.Hash(passphrase)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Sign appends one signature per keypair.
func (e *Envelope) Sign(passphrase string, kps ...*keypair.Full) error {
	hash, err := e.Tx.Hash(passphrase)
	if err != nil {
		return err
	}
	for _, kp := range kps {
		sig, err := kp.Sign(hash[:])
		if err != nil {
			return fmt.Errorf("sign with %s: %w", kp.Address(), err)
		}
		e.Signatures = append(e.Signatures, DecoratedSignature{Hint: kp.Hint(), Signature: sig})
	}
	return nil
}

// AddSignature verifies a detached signature by address and appends it.
func (e *Envelope) AddSignature(passphrase, address string, sig []byte) error {
	kp, err := keypair.Parse(address)
	if err != nil {
		return fmt.Errorf("parse signer %s: %w", address, err)
	}
	hash, err := e.Tx.Hash(passphrase)
	if err != nil {
		return err
	}
	if err := kp.Verify(hash[:], sig); err != nil {
		return fmt.Errorf("signature by %s: %w", address, err)
	}
	e.Signatures = append(e.Signatures, DecoratedSignature{Hint: kp.Hint(), Signature: sig})
	return nil
}

// SignedBy reports whether the envelope carries a valid signature by
// address over its hash.
func (e *Envelope) SignedBy(passphrase, address string) (bool, error) {
	if _, err := keypair.Parse(address); err != nil {
		return false, fmt.Errorf("parse signer %s: %w", address, err)
	}
	hash, err := e.Tx.Hash(passphrase)
	if err != nil {
		return false, err
	}
	return e.HasSignature(hash, address), nil
}

// HasSignature reports whether a signature by address over hash is attached.
// Unparseable addresses never match.
func (e *Envelope) HasSignature(hash [32]byte, address string) bool {
	kp, err := keypair.Parse(address)
	if err != nil {
		return false
	}
	hint := kp.Hint()
	for _, s := range e.Signatures {
		if s.Hint != hint {
			continue
		}
		if kp.Verify(hash[:], s.Signature) == nil {
			return true
		}
	}
	return false
}

// Encode returns the base64 text form of e.
func Encode(e *Envelope) (string, error) {
	raw, err := encMode.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses the base64 text form produced by Encode.
func Decode(s string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var e Envelope
	if err := decMode.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, op := range e.Tx.Operations {
		if err := op.check(); err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrMalformed, i, err)
		}
	}
	return &e, nil
}
