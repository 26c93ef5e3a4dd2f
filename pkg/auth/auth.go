// Package auth implements authentication for the gateway: JWT
// admin-session tokens for the dashboard and bearer API keys for
// inference/management calls, plus invitation-code gated signup.
// Invitation codes are stored as SHA-256 hashes, never in the clear.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// Identity is what the middleware attaches to the gin context once a
// request authenticates.
type Identity struct {
	ActorType models.ActorType
	ActorID   string
	Username  *string
	APIKeyID  *string
	IsAdmin   bool
}

const identityContextKey = "auth.identity"

// FromContext retrieves the Identity a preceding middleware attached, if
// any.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Authenticator validates bearer credentials against the store and mints
// admin-session JWTs.
type Authenticator struct {
	st        *store.Store
	jwtSecret []byte
	jwtTTL    time.Duration
}

// New constructs an Authenticator. jwtSecret signs and verifies session
// tokens; jwtTTL is the session lifetime (defaults to 24h).
func New(st *store.Store, jwtSecret []byte, jwtTTL time.Duration) *Authenticator {
	if jwtTTL <= 0 {
		jwtTTL = 24 * time.Hour
	}
	return &Authenticator{st: st, jwtSecret: jwtSecret, jwtTTL: jwtTTL}
}

type sessionClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// IssueSession mints a signed JWT for an authenticated user.
func (a *Authenticator) IssueSession(u *models.User) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.jwtTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// VerifyPassword checks plaintext against u's stored bcrypt hash.
func VerifyPassword(u *models.User, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(plaintext)) == nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// GenerateAPIKey returns a new plaintext bearer key ("llmlb_" + 48 random
// hex chars) and its SHA-256 hash for storage. The plaintext is shown to
// the caller exactly once.
func GenerateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	plaintext = "llmlb_" + hex.EncodeToString(buf)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the SHA-256 hex digest of a plaintext bearer credential
// (API key or invitation code), never storing the plaintext itself.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// GenerateInvitationCode returns a new plaintext invitation code
// ("inv_" + 16 random alphanumeric chars) and its hash.
func GenerateInvitationCode() (plaintext, hash string, err error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate invitation code: %w", err)
	}
	out := make([]byte, 16)
	for i, b := range buf {
		out[i] = charset[int(b)%len(charset)]
	}
	plaintext = "inv_" + string(out)
	return plaintext, HashToken(plaintext), nil
}

// RedeemInvitation validates and atomically consumes an invitation code,
// crediting usedBy with its use. Validation and mark-used are folded
// into one call since there is no separate caller-visible validate step.
func RedeemInvitation(ctx context.Context, st *store.Store, plaintext, usedBy string) error {
	inv, err := st.GetInvitationCodeByHash(ctx, HashToken(plaintext))
	if err != nil {
		if errors.Is(err, gwerrors.ErrNotFound) {
			return gwerrors.NewValidationError("invitation_code", "invalid invitation code")
		}
		return err
	}
	if !inv.Active(time.Now()) {
		return gwerrors.NewValidationError("invitation_code", "invitation code is used or expired")
	}
	return st.MarkInvitationUsed(ctx, inv.ID, usedBy)
}

// NewInvitation issues a fresh invitation code valid for ttl.
func NewInvitation(ctx context.Context, st *store.Store, ttl time.Duration) (plaintext string, err error) {
	plaintext, hash, err := GenerateInvitationCode()
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().Add(ttl)
	inv := &models.InvitationCode{
		ID: uuid.NewString(), CodeHash: hash, CreatedAt: time.Now(), ExpiresAt: &expiresAt,
	}
	if err := st.CreateInvitationCode(ctx, inv); err != nil {
		return "", err
	}
	return plaintext, nil
}

// RequireAuth authenticates every request via JWT (Authorization: Bearer
// <jwt>) or API key (Authorization: Bearer <key> / X-API-Key), attaching
// an Identity to the context. requireAdmin additionally rejects
// non-admin actors (inference-scope keys, non-admin JWT sessions).
func (a *Authenticator) RequireAuth(requireAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := a.authenticate(c)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, gwerrors.ErrForbidden) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		if requireAdmin && !identity.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gwerrors.ErrForbidden.Error()})
			return
		}
		c.Set(identityContextKey, identity)
		c.Next()
	}
}

func (a *Authenticator) authenticate(c *gin.Context) (Identity, error) {
	if key := apiKeyFromRequest(c.Request); key != "" {
		return a.authenticateAPIKey(c, key)
	}
	if token := bearerJWT(c.Request); token != "" {
		return a.authenticateJWT(token)
	}
	return Identity{}, gwerrors.ErrUnauthorized
}

func apiKeyFromRequest(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer llmlb_") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func bearerJWT(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok && !strings.HasPrefix(after, "llmlb_") {
		return after
	}
	return ""
}

func (a *Authenticator) authenticateAPIKey(c *gin.Context, plaintext string) (Identity, error) {
	key, err := a.st.GetAPIKeyByHash(c.Request.Context(), HashToken(plaintext))
	if err != nil {
		if errors.Is(err, gwerrors.ErrNotFound) {
			return Identity{}, gwerrors.ErrUnauthorized
		}
		return Identity{}, err
	}
	if !key.Active() {
		return Identity{}, gwerrors.ErrUnauthorized
	}
	_ = a.st.TouchAPIKey(c.Request.Context(), key.ID)
	return Identity{
		ActorType: models.ActorTypeAPIKey, ActorID: key.ID,
		APIKeyID: &key.ID, IsAdmin: key.Scope == models.APIKeyScopeAdmin,
	}, nil
}

func (a *Authenticator) authenticateJWT(tokenStr string) (Identity, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return Identity{}, gwerrors.ErrUnauthorized
	}
	username := claims.Username
	return Identity{
		ActorType: models.ActorTypeUser, ActorID: claims.UserID,
		Username: &username, IsAdmin: claims.IsAdmin,
	}, nil
}
