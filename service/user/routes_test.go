package user

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	notification "github.com/KAsare1/medibook-server/service/notifications"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type testEnv struct {
	handler *Handler
	auth    *utils.Authenticator
	sqlMock sqlmock.Sqlmock
	router  *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	log := logger.Discard()
	auth := utils.NewAuthenticator("test-secret", time.Hour)
	mailer := notification.NewMailer(config.SMTPConfig{}, log.WithComponent("mailer"))
	h := NewHandler(gdb, auth, mailer, nil, 24*time.Hour, t.TempDir(), log)

	router := mux.NewRouter()
	h.RegisterPublicRoutes(router)
	h.RegisterRoutes(router)
	return &testEnv{handler: h, auth: auth, sqlMock: sqlMock, router: router}
}

func (e *testEnv) do(t *testing.T, actor *models.Actor, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		req = req.WithContext(utils.WithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func userRows(t *testing.T, password string, verified bool, status string) *sqlmock.Rows {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"id", "full_name", "email", "password_hash", "role", "status", "email_verified"}).
		AddRow(2, "Tran Thi B", "b@example.com", string(hash), "patient", status, verified)
}

func TestRegister_RejectsStaffRole(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, nil, "POST", "/register", map[string]interface{}{
		"full_name": "Eve",
		"email":     "eve@example.com",
		"password":  "password123",
		"role":      "admin",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NoError(t, e.sqlMock.ExpectationsWereMet())
}

func TestRegister_DoctorNeedsSpecialty(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, nil, "POST", "/register", map[string]interface{}{
		"full_name": "Dr. Le",
		"email":     "le@example.com",
		"password":  "password123",
		"role":      "doctor",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Specialty")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	e := newTestEnv(t)
	e.sqlMock.ExpectQuery(`SELECT count\(\*\) FROM "users" WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rr := e.do(t, nil, "POST", "/register", map[string]interface{}{
		"full_name": "Tran Thi B",
		"email":     "B@Example.com",
		"password":  "password123",
		"role":      "patient",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.NoError(t, e.sqlMock.ExpectationsWereMet())
}

func TestLogin_WrongPassword(t *testing.T) {
	e := newTestEnv(t)
	e.sqlMock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(userRows(t, "correct-horse", true, "active"))
	e.sqlMock.ExpectQuery(`SELECT \* FROM "doctor_profiles"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}))

	rr := e.do(t, nil, "POST", "/login", map[string]string{"email": "b@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"message":"Invalid credentials","error":"unauthorized"}`, rr.Body.String())
}

func TestLogin_UnverifiedEmail(t *testing.T) {
	e := newTestEnv(t)
	e.sqlMock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(userRows(t, "correct-horse", false, "active"))
	e.sqlMock.ExpectQuery(`SELECT \* FROM "doctor_profiles"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}))

	rr := e.do(t, nil, "POST", "/login", map[string]string{"email": "b@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestLogin_IssuesTokens(t *testing.T) {
	e := newTestEnv(t)
	e.sqlMock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(userRows(t, "correct-horse", true, "active"))
	e.sqlMock.ExpectQuery(`SELECT \* FROM "doctor_profiles"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}))
	e.sqlMock.ExpectBegin()
	e.sqlMock.ExpectExec(`UPDATE "users" SET .*"refresh_token"=\$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.sqlMock.ExpectCommit()

	rr := e.do(t, nil, "POST", "/login", map[string]string{"email": "b@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotContains(t, rr.Body.String(), "stream_token")

	actor, err := e.auth.Parse(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.Actor{ID: 2, Role: models.RolePatient}, actor)
	assert.NoError(t, e.sqlMock.ExpectationsWereMet())
}

func TestVerifyEmail_WrongCode(t *testing.T) {
	e := newTestEnv(t)
	e.sqlMock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "email_verified", "email_verification_code", "verification_expiry"}).
			AddRow(2, "b@example.com", false, "123456", time.Now().Add(time.Hour)))

	rr := e.do(t, nil, "POST", "/verify-email", map[string]string{"email": "b@example.com", "code": "654321"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRefreshToken_Expired(t *testing.T) {
	e := newTestEnv(t)
	e.sqlMock.ExpectBegin()
	e.sqlMock.ExpectQuery(`SELECT \* FROM "users" WHERE refresh_token = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "status", "refresh_token", "refresh_token_expired_at"}).
			AddRow(2, "patient", "active", "old", time.Now().Add(-time.Minute)))
	e.sqlMock.ExpectRollback()

	rr := e.do(t, nil, "POST", "/refresh", map[string]string{"refresh_token": "old"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Refresh token expired")
	assert.NoError(t, e.sqlMock.ExpectationsWereMet())
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	e := newTestEnv(t)
	doctor := models.Actor{ID: 1, Role: models.RoleDoctor}

	rr := e.do(t, &doctor, "POST", "/admin/doctors/1/verify", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestVerifyDoctor(t *testing.T) {
	e := newTestEnv(t)
	admin := models.Actor{ID: 3, Role: models.RoleAdmin}
	e.sqlMock.ExpectBegin()
	e.sqlMock.ExpectExec(`UPDATE "doctor_profiles" SET "verified"=\$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.sqlMock.ExpectCommit()

	rr := e.do(t, &admin, "POST", "/admin/doctors/1/verify", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"doctor_id":1,"verified":true}`, rr.Body.String())
	assert.NoError(t, e.sqlMock.ExpectationsWereMet())
}

func TestDeleteUser_NotSelf(t *testing.T) {
	e := newTestEnv(t)
	admin := models.Actor{ID: 3, Role: models.RoleAdmin}

	rr := e.do(t, &admin, "DELETE", "/admin/users/3", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestVerificationCode(t *testing.T) {
	code, err := verificationCode()
	require.NoError(t, err)
	assert.Len(t, code, 6)
}
