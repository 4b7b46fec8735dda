package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Caller is the identity a verified scheduler API token carries.
type Caller struct {
	Subject string
	Role    string
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type callerKey struct{}

var roleRank = map[string]int{
	"public":   0,
	"user":     1,
	"resident": 2,
	"admin":    3,
	"service":  4,
}

var errMissingToken = errors.New("missing bearer token")

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	return jwt.ParseRSAPublicKeyFromPEM(pem)
}

// ServiceAuth admits RS256 bearer tokens whose role ranks at least minRole.
type ServiceAuth struct {
	key     *rsa.PublicKey
	minRole string
	parser  *jwt.Parser
}

func NewServiceAuth(key *rsa.PublicKey, minRole string) (*ServiceAuth, error) {
	if key == nil {
		return nil, errors.New("jwt public key is required")
	}
	if _, ok := roleRank[minRole]; !ok {
		return nil, fmt.Errorf("unknown role %q", minRole)
	}
	return &ServiceAuth{
		key:     key,
		minRole: minRole,
		parser:  jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired()),
	}, nil
}

// Verify parses the request's bearer token and checks its role.
// The returned status is 401 for token problems and 403 for an insufficient role.
func (a *ServiceAuth) Verify(r *http.Request) (Caller, int, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Caller{}, http.StatusUnauthorized, errMissingToken
	}
	var claims tokenClaims
	if _, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return a.key, nil }); err != nil {
		return Caller{}, http.StatusUnauthorized, err
	}
	rank, known := roleRank[claims.Role]
	if !known || rank < roleRank[a.minRole] {
		return Caller{}, http.StatusForbidden, fmt.Errorf("role %q below %q", claims.Role, a.minRole)
	}
	sub, _ := claims.GetSubject()
	return Caller{Subject: sub, Role: claims.Role}, http.StatusOK, nil
}

func (a *ServiceAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, status, err := a.Verify(r)
		if err != nil {
			slog.Debug("scheduler api auth rejected", "path", r.URL.Path, "status", status, "error", err)
			writeJSONError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// RequireRole returns the auth middleware for role, or a pass-through when pubKey is nil.
// An unknown role rejects every request.
func RequireRole(pubKey *rsa.PublicKey, role string) func(http.Handler) http.Handler {
	if pubKey == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	auth, err := NewServiceAuth(pubKey, role)
	if err != nil {
		slog.Error("scheduler api auth misconfigured", "role", role, "error", err)
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSONError(w, http.StatusForbidden, http.StatusText(http.StatusForbidden))
			})
		}
	}
	return auth.Handler
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message, "code": status})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
