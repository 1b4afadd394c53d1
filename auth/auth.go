// Package auth implements credential verification for AUTH LOGIN/PLAIN,
// backed by a password hash stored in the database. The hashing scheme
// mirrors infodancer-msgstore's passwd package: argon2id key derivation
// compared in constant time.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"github.com/icesmtpd/icesmtpd/dbpool"
)

// Params are the argon2id parameters used to derive a verification key.
// These match the defaults used when hashes were produced; changing them
// invalidates existing stored hashes.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// DefaultParams returns the argon2id parameters used by this module.
func DefaultParams() Params {
	return Params{Memory: 65536, Iterations: 3, Parallelism: 4, KeyLength: 32}
}

// DBAuthenticator verifies AUTH credentials against a row in the
// "credentials" table, leased from a dbpool.Pool per lookup.
type DBAuthenticator struct {
	Pool   *dbpool.Pool
	Params Params
}

// NewDBAuthenticator creates a DBAuthenticator with default argon2 params.
func NewDBAuthenticator(pool *dbpool.Pool) *DBAuthenticator {
	return &DBAuthenticator{Pool: pool, Params: DefaultParams()}
}

// Verify looks up the stored hash for username and compares it against
// password using constant-time comparison of the derived key.
func (a *DBAuthenticator) Verify(ctx context.Context, username, password string) (bool, error) {
	conn, err := a.Pool.Acquire(ctx)
	if err != nil {
		return false, errors.WithMessage(err, "auth: acquire connection")
	}
	defer a.Pool.Release(conn)

	var hash string
	row := conn.Raw().QueryRow(ctx,
		`SELECT password_hash FROM credentials WHERE username = $1 AND enabled`, username)
	if err := row.Scan(&hash); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		conn.MarkBroken()
		return false, errors.WithMessage(err, "auth: query credentials")
	}

	return verifyPassword(password, hash)
}

// HashPassword derives an encoded argon2id hash in the
// $argon2id$v=19$m=...,t=...,p=...$salt$hash format, for provisioning new
// credentials.
func HashPassword(password string, salt []byte, p Params) string {
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// verifyPassword parses the $argon2id$v=19$m=...,t=...,p=...$salt$hash
// format and compares the derived key in constant time.
func verifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("auth: unrecognized hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, errors.WithMessage(err, "auth: parse version")
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, errors.WithMessage(err, "auth: parse params")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.WithMessage(err, "auth: decode salt")
	}

	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.WithMessage(err, "auth: decode hash")
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
