package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"policychat/internal/models"
	"policychat/internal/redis"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification failures. Expired means the credential was once valid and is
// past its lifetime; Invalid covers bad signatures, malformed tokens and
// revoked credentials. Both are fatal to the request.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

const revokedKeyPrefix = "auth:revoked:"

// Identity is the verified subject of a credential.
type Identity struct {
	UserID string
}

// Claims binds a credential to a user via the stable UUID subject. The
// subject is never a mutable display identifier, so renames do not
// invalidate outstanding sessions.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues, verifies, and revokes signed session credentials.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	secret         []byte
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied signing secret and
// token lifetime. The cache client may be nil; revocation then checks the
// database only.
func NewService(db *sql.DB, cache *redis.Client, secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		secret:         secret,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// Issue mints a signed credential for the user. It always succeeds for a
// valid identity and has no side effects.
func (s *Service) Issue(user *models.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("invalid user")
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and revocation, returning the credential's
// identity. Callers should bound ctx with a short deadline.
func (s *Service) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrTokenInvalid
	}
	claims, err := s.parse(credential, true)
	if err != nil {
		return Identity{}, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return Identity{}, ErrTokenInvalid
	}
	revoked, err := s.isRevoked(ctx, claims)
	if err != nil {
		return Identity{}, err
	}
	if revoked {
		return Identity{}, ErrTokenInvalid
	}
	return Identity{UserID: claims.Subject}, nil
}

// Revoke invalidates a single credential until its natural expiry. Expired
// credentials are ignored.
func (s *Service) Revoke(ctx context.Context, credential string) error {
	if credential == "" {
		return nil
	}
	claims, err := s.parse(credential, false)
	if err != nil {
		return nil
	}
	expiresAt := time.Now().UTC().Add(s.tokenTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, user_id, expires_at) VALUES (?, ?, ?)`,
		claims.ID, claims.Subject, expiresAt,
	); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, revokedKeyPrefix+claims.ID, "1", remaining); err != nil {
			log.Printf("cache revoked token: %v", err)
		}
	}
	return nil
}

// RevokeAll invalidates every outstanding credential for the user by moving
// the issued-at watermark. Used on password change and account deletion.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET tokens_invalid_after = ? WHERE id = ?`,
		time.Now().UTC(), userID,
	); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func (s *Service) parse(credential string, validate bool) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *Service) isRevoked(ctx context.Context, claims *Claims) (bool, error) {
	if s.cache != nil {
		hit, err := s.cache.Exists(ctx, revokedKeyPrefix+claims.ID)
		if err == nil && hit {
			return true, nil
		}
		if err != nil && err != redis.ErrCacheMiss {
			log.Printf("revocation cache lookup: %v", err)
		}
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = ?)`, claims.ID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup revoked token: %w", err)
	}
	if exists {
		return true, nil
	}

	var invalidAfter sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_invalid_after FROM users WHERE id = ?`, claims.Subject,
	).Scan(&invalidAfter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Subject no longer exists.
			return true, nil
		}
		return false, fmt.Errorf("lookup user watermark: %w", err)
	}
	if invalidAfter.Valid && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(invalidAfter.Time) {
		return true, nil
	}
	return false, nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
