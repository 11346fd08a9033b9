// Package auth issues and validates API tokens.
//
// One token exists per email address. Tokens are 16 random bytes encoded in
// base58 and expire after a fixed lifetime (30 days by default); expired
// rows are purged whenever the store is accessed.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
)

// DefaultTTL is the token lifetime when none is configured
const DefaultTTL = 30 * 24 * time.Hour

// tokenBytes is the amount of randomness per token
const tokenBytes = 16

// Store persists tokens in the tokens table
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a token store over a migrated database
func NewStore(db *sql.DB, ttl time.Duration, logger *zap.SugaredLogger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, logger: logger.Named("auth"), now: time.Now}
}

// Issue returns the unexpired token for email, or a new one.
// renew always replaces the existing token.
func (s *Store) Issue(ctx context.Context, email string, renew bool) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.Wrap(errors.ErrInvalidPayload, "email required")
	}

	if err := s.purge(ctx); err != nil {
		return "", err
	}

	if !renew {
		var token string
		err := s.db.QueryRowContext(ctx, "SELECT token FROM tokens WHERE email = ?", email).Scan(&token)
		if err == nil {
			return token, nil
		}
		if err != sql.ErrNoRows {
			return "", errors.Wrap(err, "look up token")
		}
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (email, token, issued_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET token = excluded.token, issued_at = excluded.issued_at`,
		email, token, s.now().Unix(),
	)
	if err != nil {
		return "", errors.Wrap(err, "store token")
	}

	s.logger.Infow("Issued token", "email", email, "renewed", renew)
	return token, nil
}

// Valid reports whether token belongs to any unexpired entry
func (s *Store) Valid(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if err := s.purge(ctx); err != nil {
		return false, err
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tokens WHERE token = ?)", token).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check token")
	}
	return exists, nil
}

// purge deletes expired tokens
func (s *Store) purge(ctx context.Context) error {
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE issued_at < ?", cutoff)
	if err != nil {
		return errors.Wrap(err, "purge expired tokens")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debugw("Purged expired tokens", "count", n)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate token")
	}
	return base58.Encode(b), nil
}
