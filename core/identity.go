package core

import (
	"strings"

	"github.com/stellar/go/strkey"
)

// ValidateIdentity checks that id is a well-formed ed25519 account id.
func ValidateIdentity(id string) error {
	if strings.TrimSpace(id) == "" {
		return Errorf(KindInvalidIdentity, "identity is empty")
	}
	if _, err := strkey.Decode(strkey.VersionByteAccountID, id); err != nil {
		return Wrap(KindInvalidIdentity, err, "identity "+id)
	}
	return nil
}
