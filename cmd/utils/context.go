package utils

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const (
	UserIDKey contextKey = "userID"
	RoleKey   contextKey = "role"
)

// Claims are the JWT claims issued at login.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks access tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// IssueToken signs an access token for the user.
func (a *Authenticator) IssueToken(userID uint, role models.Role) (string, time.Time, error) {
	expiresAt := time.Now().Add(a.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	return signed, expiresAt, err
}

// Parse validates a token string and returns the caller it identifies.
func (a *Authenticator) Parse(tokenString string) (models.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return models.Actor{}, apperr.Unauthorized("Invalid token")
	}

	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return models.Actor{}, apperr.Unauthorized("Invalid user ID in token")
	}
	if !claims.Role.Valid() {
		return models.Actor{}, apperr.Unauthorized("Invalid role in token")
	}
	return models.Actor{ID: uint(userID), Role: claims.Role}, nil
}

// Middleware requires a bearer token and puts the caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			RespondError(w, apperr.Unauthorized("Authorization header required"))
			return
		}

		actor, err := a.Parse(tokenString)
		if err != nil {
			RespondError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole rejects callers whose role is not listed. It must run after Middleware.
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := ActorFromRequest(r)
			if err != nil {
				RespondError(w, err)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			RespondError(w, apperr.Forbidden("this action requires one of the roles %v", roles))
		})
	}
}

// BearerToken reads the token from the Authorization header or the token query parameter.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, actor.ID)
	return context.WithValue(ctx, RoleKey, actor.Role)
}

func GetUserIDFromContext(r *http.Request) (uint, error) {
	userID, ok := r.Context().Value(UserIDKey).(uint)
	if !ok {
		return 0, apperr.Unauthorized("user ID not found in context")
	}
	return userID, nil
}

func ActorFromRequest(r *http.Request) (models.Actor, error) {
	userID, err := GetUserIDFromContext(r)
	if err != nil {
		return models.Actor{}, err
	}
	role, ok := r.Context().Value(RoleKey).(models.Role)
	if !ok {
		return models.Actor{}, apperr.Unauthorized("role not found in context")
	}
	return models.Actor{ID: userID, Role: role}, nil
}
