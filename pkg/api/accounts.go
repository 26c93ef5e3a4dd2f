package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/auth"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// AccountHandlers serves session login/signup, API key management, and
// invitation-code issuance.
type AccountHandlers struct {
	st   *store.Store
	auth *auth.Authenticator
}

// NewAccountHandlers constructs the account route handlers.
func NewAccountHandlers(st *store.Store, a *auth.Authenticator) *AccountHandlers {
	return &AccountHandlers{st: st, auth: a}
}

type loginInput struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /api/auth/login.
func (h *AccountHandlers) Login(c *gin.Context) {
	var in loginInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := h.st.GetUserByUsername(c.Request.Context(), in.Username)
	if err != nil || !auth.VerifyPassword(u, in.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gwerrors.ErrUnauthorized.Error()})
		return
	}
	token, err := h.auth.IssueSession(u)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "username": u.Username, "is_admin": u.IsAdmin})
}

type signupInput struct {
	Username       string `json:"username" binding:"required"`
	Password       string `json:"password" binding:"required"`
	InvitationCode string `json:"invitation_code" binding:"required"`
}

// Signup handles POST /api/auth/signup: invitation-code gated account
// creation. The code is redeemed and the user created in one flow.
func (h *AccountHandlers) Signup(c *gin.Context) {
	var in signupInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.st.GetUserByUsername(ctx, in.Username); err == nil {
		writeServiceError(c, gwerrors.ErrAlreadyExists)
		return
	} else if !errors.Is(err, gwerrors.ErrNotFound) {
		writeServiceError(c, err)
		return
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	u := &models.User{ID: uuid.NewString(), Username: in.Username, PasswordHash: hash, CreatedAt: time.Now()}
	// Redeem before create so an invalid or spent code never leaves an
	// orphaned account behind.
	if err := auth.RedeemInvitation(ctx, h.st, in.InvitationCode, u.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	if err := h.st.CreateUser(ctx, u); err != nil {
		writeServiceError(c, err)
		return
	}
	token, err := h.auth.IssueSession(u)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "username": u.Username})
}

type invitationInput struct {
	TTLHours int `json:"ttl_hours"`
}

// CreateInvitation handles POST /api/auth/invitations: admin-only issuance
// of a signup code.
func (h *AccountHandlers) CreateInvitation(c *gin.Context) {
	var in invitationInput
	_ = c.ShouldBindJSON(&in)
	ttl := 72 * time.Hour
	if in.TTLHours > 0 {
		ttl = time.Duration(in.TTLHours) * time.Hour
	}
	code, err := auth.NewInvitation(c.Request.Context(), h.st, ttl)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invitation_code": code})
}

type apiKeyInput struct {
	Owner string `json:"owner" binding:"required"`
	Scope string `json:"scope"`
}

// CreateAPIKey handles POST /api/keys: admin-only key issuance. The
// plaintext key is returned exactly once.
func (h *AccountHandlers) CreateAPIKey(c *gin.Context) {
	var in apiKeyInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope := models.APIKeyScopeInference
	if in.Scope != "" {
		scope = models.APIKeyScope(in.Scope)
	}
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		writeServiceError(c, err)
		return
	}
	k := &models.APIKey{ID: uuid.NewString(), KeyHash: hash, Owner: in.Owner, Scope: scope, CreatedAt: time.Now()}
	if err := h.st.CreateAPIKey(c.Request.Context(), k); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": k.ID, "key": plaintext, "owner": k.Owner, "scope": k.Scope})
}

// ListAPIKeys handles GET /api/keys. An owner query param narrows the list;
// omitted, it returns every key (admin view).
func (h *AccountHandlers) ListAPIKeys(c *gin.Context) {
	keys, err := h.st.ListAPIKeys(c.Request.Context(), c.Query("owner"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevokeAPIKey handles DELETE /api/keys/:id.
func (h *AccountHandlers) RevokeAPIKey(c *gin.Context) {
	if err := h.st.RevokeAPIKey(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
