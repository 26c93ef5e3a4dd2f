package api

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/auth"
	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestAccountHandlers(t *testing.T) (*AccountHandlers, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	a := auth.New(st, []byte("test-secret"), time.Hour)
	return NewAccountHandlers(st, a), mock
}

func TestLogin_WrongUsernameReturnsUnauthorized(t *testing.T) {
	h, mock := newTestAccountHandlers(t)
	mock.ExpectQuery(".*").WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"username":"nobody","password":"x"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	c.Request.Header.Set("Content-Type", "application/json")

	h.Login(c)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_CorrectPasswordIssuesToken(t *testing.T) {
	h, mock := newTestAccountHandlers(t)
	hash, err := auth.HashPassword("correct horse battery staple")
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "username", "password_hash", "is_admin", "created_at"}).
		AddRow("user-1", "alice", hash, true, time.Now())
	mock.ExpectQuery(".*").WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"username":"alice","password":"correct horse battery staple"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	c.Request.Header.Set("Content-Type", "application/json")

	h.Login(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "token")
}

func TestSignup_InvalidInvitationCreatesNoUser(t *testing.T) {
	h, mock := newTestAccountHandlers(t)
	// Username availability check, then the invitation lookup misses. No
	// user INSERT may follow.
	mock.ExpectQuery("FROM users").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM invitation_codes").WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"username":"bob","password":"hunter22","invitation_code":"inv_bogus"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/auth/signup", body)
	c.Request.Header.Set("Content-Type", "application/json")

	h.Signup(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAPIKey_DefaultsToInferenceScope(t *testing.T) {
	h, mock := newTestAccountHandlers(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"owner":"alice"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/keys", body)
	c.Request.Header.Set("Content-Type", "application/json")

	h.CreateAPIKey(c)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"scope":"inference"`)
	require.Contains(t, w.Body.String(), "llmlb_")
}
