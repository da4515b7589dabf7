// Package credentials defines the account-keyed credential lookup the sync
// core consumes: CalDavClient never stores or encrypts secrets itself, it
// asks a Store for the Basic-auth pair to use for one account.
package credentials

import (
	"context"
	"errors"
)

// Availability reports whether a credential lookup succeeded, and if not,
// why — distinguishing "never configured" from "temporarily unavailable"
// lets the sync engine decide whether to surface AuthError or retry later.
type Availability int

const (
	Available Availability = iota
	Missing
	Locked
)

// ErrNotFound is returned by a Store when no credential is registered for
// the given account.
var ErrNotFound = errors.New("credentials: not found")

// Credential is the Basic-auth pair presented to a CalDAV server. Password
// is already the app-specific password for providers where
// quirks.RequiresAppSpecificPassword() is true.
type Credential struct {
	Username string
	Password string
}

// Store is the opaque credential lookup the sync engine depends on. Writes
// happen only from the account-setup flow, never from the sync engine
// itself; implementations decide how secrets are actually held at rest (OS
// keychain, encrypted file, etc.) — this package supplies an in-memory
// reference implementation only.
type Store interface {
	Get(ctx context.Context, accountID string) (Credential, Availability, error)
}
