package models

// Identity is the outcome of resolving a verified identifier: either a known
// user or an identifier with no record yet. Callers must register an
// Unregistered identity explicitly.
type Identity struct {
	kind       IdentifierKind
	identifier string
	user       *User
}

func Known(user *User) Identity {
	return Identity{kind: user.IdentifierKind, identifier: user.Identifier, user: user}
}

func Unregistered(kind IdentifierKind, identifier string) Identity {
	return Identity{kind: kind, identifier: identifier}
}

func (i Identity) IsKnown() bool {
	return i.user != nil
}

// User returns the resolved user, or nil for an unregistered identity.
func (i Identity) User() *User {
	return i.user
}

func (i Identity) Kind() IdentifierKind {
	return i.kind
}

func (i Identity) Identifier() string {
	return i.identifier
}
