package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_IssueAndParse(t *testing.T) {
	auth := NewAuthenticator("test-secret", time.Hour)

	token, exp, err := auth.IssueToken(42, models.RoleDoctor)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	actor, err := auth.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, models.Actor{ID: 42, Role: models.RoleDoctor}, actor)

	other := NewAuthenticator("other-secret", time.Hour)
	_, err = other.Parse(token)
	assert.Error(t, err)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	auth := NewAuthenticator("test-secret", -time.Minute)
	token, _, err := auth.IssueToken(1, models.RolePatient)
	require.NoError(t, err)

	_, err = auth.Parse(token)
	assert.Error(t, err)
}

func TestMiddlewareAndRequireRole(t *testing.T) {
	auth := NewAuthenticator("test-secret", time.Hour)
	handler := auth.Middleware(RequireRole(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := ActorFromRequest(r)
		require.NoError(t, err)
		RespondJSON(w, http.StatusOK, map[string]uint{"id": actor.ID})
	})))

	// no token
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Authorization header required","error":"unauthorized"}`, rec.Body.String())

	// wrong role
	patientToken, _, _ := auth.IssueToken(5, models.RolePatient)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+patientToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// admin via query token
	adminToken, _, _ := auth.IssueToken(1, models.RoleAdmin)
	req = httptest.NewRequest(http.MethodGet, "/?token="+adminToken, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())
}

func TestParsePage(t *testing.T) {
	p := ParsePage(httptest.NewRequest(http.MethodGet, "/?page=3&page_size=500", nil))
	assert.Equal(t, Page{Page: 3, PageSize: MaxPageSize}, p)
	assert.Equal(t, 200, p.Offset())

	p = ParsePage(httptest.NewRequest(http.MethodGet, "/?page=-1&limit=5", nil))
	assert.Equal(t, Page{Page: 1, PageSize: 5}, p)

	env := Paginated("items", []int{1}, 11, Page{Page: 1, PageSize: 5})
	assert.Equal(t, int64(3), env["total_pages"])
}
