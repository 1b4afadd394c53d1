package icesmtp

import "context"

// Authenticator verifies SASL LOGIN/PLAIN credentials presented through
// the AUTH command. Implementations may back this with a database, an
// LDAP directory, or static configuration.
type Authenticator interface {
	// Verify checks a username/password pair and reports whether the
	// credentials are valid. A non-nil error indicates a transient
	// failure (e.g. the backing store was unreachable), distinct from
	// invalid credentials, which report ok=false, err=nil.
	Verify(ctx context.Context, username Username, password string) (ok bool, err error)
}

// RejectAllAuthenticator is an Authenticator that rejects every attempt.
// Useful when AUTH is advertised but no credential store is configured.
type RejectAllAuthenticator struct{}

// Verify always reports invalid credentials.
func (RejectAllAuthenticator) Verify(_ context.Context, _ Username, _ string) (bool, error) {
	return false, nil
}

// StaticAuthenticator is an in-memory Authenticator backed by a fixed
// username/password map. Intended for tests and examples, mirroring the
// shape of AcceptAllMailbox/RejectAllMailbox.
type StaticAuthenticator struct {
	Credentials map[Username]string
}

// Verify checks the username/password pair against the static map.
func (a StaticAuthenticator) Verify(_ context.Context, username Username, password string) (bool, error) {
	want, ok := a.Credentials[username]
	if !ok {
		return false, nil
	}
	return want == password, nil
}
