package memory

import "errors"

// OwnerToken is a verified owner identity. The repository never accepts
// a bare owner string asserted by a caller; the token can only be
// built by in-process code that has already authenticated the owner
// (for example the HTTP layer after checking a signed bearer token).
type OwnerToken struct {
	owner string
}

// ErrAnonymousOwner rejects token construction without an owner id.
var ErrAnonymousOwner = errors.New("memory: owner id must not be empty")

// TrustedOwner builds a token for an owner the caller has already
// authenticated.
func TrustedOwner(owner string) (OwnerToken, error) {
	if owner == "" {
		return OwnerToken{}, ErrAnonymousOwner
	}
	return OwnerToken{owner: owner}, nil
}

// Owner returns the verified owner id.
func (t OwnerToken) Owner() string { return t.owner }

// Zero reports whether the token was never issued.
func (t OwnerToken) Zero() bool { return t.owner == "" }
