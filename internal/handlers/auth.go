package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/types"
)

const defaultTokenTTL = 24 * time.Hour

// AuthHandler provides JWT authentication endpoints.
type AuthHandler struct {
	credentials *services.CredentialStore
	users       *services.UserService
	secret      []byte
	tokenTTL    time.Duration
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(credentials *services.CredentialStore, users *services.UserService, jwtSecret string, ttl time.Duration) *AuthHandler {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &AuthHandler{
		credentials: credentials,
		users:       users,
		secret:      []byte(jwtSecret),
		tokenTTL:    ttl,
	}
}

// AuthRouter registers auth routes on the given router. Logins are limited
// to loginsPerMinute per client IP; zero disables the limit.
func AuthRouter(r chi.Router, handler *AuthHandler, loginsPerMinute int) {
	login := r.With()
	if loginsPerMinute > 0 {
		login = r.With(httprate.LimitByIP(loginsPerMinute, time.Minute))
	}
	login.Post("/login", handler.Login)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
}

// RequireAuth enforces JWT authentication and injects the principal into context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return RequireAuth(string(h.secret))(next)
}

// RequireAuth constructs auth middleware for other routers.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	secret := []byte(jwtSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			principal, err := parseToken(tokenString, secret)
			if err != nil {
				metrics.RecordAuthFailure("token")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), principal)))
		})
	}
}

// RequirePermission rejects principals whose token lacks every one of perms.
func RequirePermission(perms ...types.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, p := range perms {
				if !principal.Permissions.Has(p) {
					writeError(w, http.StatusForbidden, "missing permission "+string(p))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Login verifies credentials and returns a JWT. An app password yields a
// token limited to that password's permissions.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	identity, err := h.credentials.Validate(r.Context(), strings.TrimSpace(req.Username), req.Password, services.AccountPasswordFallback)
	if err != nil {
		if errors.Is(err, services.ErrUnauthenticated) {
			metrics.RecordAuthFailure("login")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeServiceError(w, r, err, "authenticate")
		return
	}

	token, err := issueToken(identity.User.ID, identity.Permissions, h.secret, h.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: identity.User, Permissions: identity.Permissions})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "load user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	Token       string              `json:"token"`
	User        types.User          `json:"user"`
	Permissions types.PermissionSet `json:"permissions"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"perms"`
}

func issueToken(userID int64, perms types.PermissionSet, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: perms.Strings(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parseToken(tokenString string, secret []byte) (Principal, error) {
	claims := tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID < 1 {
		return Principal{}, errors.New("invalid subject")
	}
	perms, err := types.ParsePermissions(claims.Permissions)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: userID, Permissions: perms}, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
