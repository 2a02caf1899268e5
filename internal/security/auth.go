// =============================================================================
// API KEY AUTHENTICATION - ACCESS CONTROL FOR SHARDQ
// =============================================================================
//
// Keys are configured statically and checked on every /v1 HTTP request and
// every QueueService RPC. Probes, /metrics, /version and the gRPC health
// service stay open so orchestrators need no credentials.
//
// FLOW:
//   Client ──[X-API-Key: sq_abc...]──► shardq ──[hash, lookup]──► role check
//
// CONFIG:
//
//   auth:
//     enabled: true
//     keys:
//       - name: orders-service
//         key: "sha256:9f86d08..."     # stored hashed
//         roles: [producer]
//       - name: ops
//         key: "sq_4b1c..."            # plaintext works too
//         roles: [admin]
//
// ROLES:
//
//   ┌───────────┬─────────┬──────────────┬────────────┬────────────┐
//   │ role      │ publish │ consume/ack  │ dlq drain  │ stats      │
//   ├───────────┼─────────┼──────────────┼────────────┼────────────┤
//   │ admin     │   ✓     │      ✓       │     ✓      │     ✓      │
//   │ producer  │   ✓     │              │            │     ✓      │
//   │ consumer  │         │      ✓       │            │     ✓      │
//   │ readonly  │         │              │            │     ✓      │
//   └───────────┴─────────┴──────────────┴────────────┴────────────┘
//
// =============================================================================

package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoAPIKey is returned when no API key is provided
	ErrNoAPIKey = errors.New("no API key provided")

	// ErrInvalidAPIKey is returned when the API key is unknown
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrPermissionDenied is returned when the key lacks the permission
	ErrPermissionDenied = errors.New("permission denied")
)

// =============================================================================
// ROLES AND PERMISSIONS
// =============================================================================

// Predefined roles
const (
	RoleAdmin    = "admin"
	RoleProducer = "producer"
	RoleConsumer = "consumer"
	RoleReadonly = "readonly"
)

// Permission is a single operation a key may perform.
type Permission string

// Permission constants
const (
	PermMessagePublish  Permission = "message:publish"
	PermMessageConsume  Permission = "message:consume"
	PermDeadLetterDrain Permission = "deadletter:drain"
	PermStatsRead       Permission = "stats:read"

	PermAdminAll Permission = "admin:*"
)

// RolePermissions maps roles to their permissions.
var RolePermissions = map[string][]Permission{
	RoleAdmin:    {PermAdminAll},
	RoleProducer: {PermMessagePublish, PermStatsRead},
	RoleConsumer: {PermMessageConsume, PermStatsRead},
	RoleReadonly: {PermStatsRead},
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// HashPrefix marks a configured key that is already a SHA-256 hex digest.
const HashPrefix = "sha256:"

// KeyPrefix starts every generated key.
const KeyPrefix = "sq_"

// Config enables authentication and lists the accepted keys.
type Config struct {
	Enabled bool        `yaml:"enabled"`
	Keys    []KeyConfig `yaml:"keys"`
}

// KeyConfig is one configured key.
type KeyConfig struct {
	Name  string   `yaml:"name"`
	Key   string   `yaml:"key"`
	Roles []string `yaml:"roles"`
}

// Validate reports every problem with the configuration.
func (c Config) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var problems []string
	if len(c.Keys) == 0 {
		problems = append(problems, "auth.keys: at least one key is required when auth is enabled")
	}
	names := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		field := fmt.Sprintf("auth.keys[%d]", i)
		if k.Name == "" {
			problems = append(problems, field+".name: must not be empty")
		} else if names[k.Name] {
			problems = append(problems, fmt.Sprintf("%s.name: duplicate name %q", field, k.Name))
		}
		names[k.Name] = true

		if k.Key == "" {
			problems = append(problems, field+".key: must not be empty")
		} else if strings.HasPrefix(k.Key, HashPrefix) {
			if digest := strings.TrimPrefix(k.Key, HashPrefix); len(digest) != sha256.Size*2 {
				problems = append(problems, field+".key: sha256 digest must be 64 hex characters")
			} else if _, err := hex.DecodeString(digest); err != nil {
				problems = append(problems, field+".key: sha256 digest is not hex")
			}
		}

		if len(k.Roles) == 0 {
			problems = append(problems, field+".roles: at least one role is required")
		}
		for _, role := range k.Roles {
			if _, ok := RolePermissions[role]; !ok {
				problems = append(problems, fmt.Sprintf("%s.roles: unknown role %q", field, role))
			}
		}
	}
	return problems
}

// =============================================================================
// KEY STORE
// =============================================================================

// APIKey is an authenticated caller.
type APIKey struct {
	Name  string
	Roles []string
}

// HasPermission checks if the key grants perm.
func (k *APIKey) HasPermission(perm Permission) bool {
	for _, role := range k.Roles {
		for _, p := range RolePermissions[role] {
			if p == PermAdminAll || p == perm {
				return true
			}
		}
	}
	return false
}

type storedKey struct {
	hash string
	key  *APIKey
}

// KeyStore validates presented keys against the configured ones. It is
// immutable after construction.
type KeyStore struct {
	keys   []storedKey
	logger *slog.Logger
}

// NewKeyStore builds a store from cfg. It returns nil, nil when auth is
// disabled; a nil store accepts every request.
func NewKeyStore(cfg Config) (*KeyStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid auth config: %s", strings.Join(problems, "; "))
	}

	s := &KeyStore{
		logger: slog.Default().With("component", "auth"),
	}
	for _, k := range cfg.Keys {
		hash := strings.TrimPrefix(k.Key, HashPrefix)
		if !strings.HasPrefix(k.Key, HashPrefix) {
			hash = HashKey(k.Key)
		}
		roles := append([]string(nil), k.Roles...)
		sort.Strings(roles)
		s.keys = append(s.keys, storedKey{
			hash: strings.ToLower(hash),
			key:  &APIKey{Name: k.Name, Roles: roles},
		})
	}
	s.logger.Info("API key authentication enabled", "keys", len(s.keys))
	return s, nil
}

// Validate returns the key matching raw. Every stored hash is compared in
// constant time.
func (s *KeyStore) Validate(raw string) (*APIKey, error) {
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	hash := HashKey(raw)

	var found *APIKey
	for _, k := range s.keys {
		if SecureCompare(hash, k.hash) {
			found = k.key
		}
	}
	if found == nil {
		return nil, ErrInvalidAPIKey
	}
	return found, nil
}

// authorize validates raw and checks perm.
func (s *KeyStore) authorize(raw string, perm Permission) (*APIKey, error) {
	key, err := s.Validate(raw)
	if err != nil {
		return nil, err
	}
	if !key.HasPermission(perm) {
		return key, ErrPermissionDenied
	}
	return key, nil
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

type contextKey string

// APIKeyContextKey is the context key for the authenticated API key.
const APIKeyContextKey contextKey = "api_key"

// FromContext returns the authenticated key, or nil.
func FromContext(ctx context.Context) *APIKey {
	if key, ok := ctx.Value(APIKeyContextKey).(*APIKey); ok {
		return key
	}
	return nil
}

// RequirePermission returns chi-compatible middleware that rejects requests
// without a key granting perm. A nil store lets everything through.
//
// API KEY EXTRACTION ORDER:
//  1. Authorization: Bearer <key>
//  2. X-API-Key: <key>
func (s *KeyStore) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := s.authorize(extractAPIKey(r), perm)
			if err != nil {
				s.logger.Warn("request rejected",
					"path", r.URL.Path,
					"method", r.Method,
					"permission", perm,
					"error", err,
					"remote_addr", r.RemoteAddr,
				)
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				writeError(w, status, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), APIKeyContextKey, key)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="shardq"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// extractAPIKey extracts the API key from the request.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// =============================================================================
// GRPC INTERCEPTOR
// =============================================================================

// MetadataKey carries the API key in gRPC metadata.
const MetadataKey = "x-api-key"

// UnaryServerInterceptor checks methods listed in perms. Methods not listed,
// such as the health and reflection services, are not checked. A nil store
// lets everything through.
func (s *KeyStore) UnaryServerInterceptor(perms map[string]Permission) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if s == nil {
			return handler(ctx, req)
		}
		perm, ok := perms[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}

		key, err := s.authorize(keyFromMetadata(ctx), perm)
		if err != nil {
			s.logger.Warn("RPC rejected", "method", info.FullMethod, "permission", perm, "error", err)
			if errors.Is(err, ErrPermissionDenied) {
				return nil, status.Error(codes.PermissionDenied, err.Error())
			}
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(context.WithValue(ctx, APIKeyContextKey, key), req)
	}
}

func keyFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(MetadataKey); len(v) > 0 {
		return v[0]
	}
	if v := md.Get("authorization"); len(v) > 0 && strings.HasPrefix(v[0], "Bearer ") {
		return strings.TrimPrefix(v[0], "Bearer ")
	}
	return ""
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// HashKey returns the hex SHA-256 digest of key, the form stored in config
// after the "sha256:" prefix.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GenerateKey returns a new random key with the sq_ prefix.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// SecureCompare performs constant-time string comparison.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
