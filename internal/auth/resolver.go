// Package auth resolves caller identity from request headers.
//
// DESIGN: Identity resolution never fails a request. A caller presents an
// API key (Authorization: Bearer) or a signed session cookie, or nothing;
// "nothing" is a valid state — whether anonymity is acceptable is decided
// later by the tool inspector, not here.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcpay/gateway/internal/catalog"
	"github.com/mcpay/gateway/internal/utils"
)

// Method tags how a caller was identified.
type Method string

const (
	MethodNone    Method = "none"
	MethodAPIKey  Method = "api_key"
	MethodSession Method = "session"
)

// Resolver resolves request headers to an identity.
type Resolver interface {
	// Resolve returns the caller, or nil for anonymous, and the method
	// used. It never returns an error; lookup failures resolve to
	// anonymous.
	Resolve(ctx context.Context, r *http.Request) (*catalog.User, Method)
}

// StoreResolver resolves identities against the catalog database.
type StoreResolver struct {
	store         *catalog.Store
	jwtSecret     []byte
	sessionCookie string
}

// NewStoreResolver creates the default resolver. jwtSecret may be empty,
// disabling session-cookie resolution.
func NewStoreResolver(store *catalog.Store, jwtSecret, sessionCookie string) *StoreResolver {
	return &StoreResolver{
		store:         store,
		jwtSecret:     []byte(jwtSecret),
		sessionCookie: sessionCookie,
	}
}

// Resolve implements Resolver.
func (r *StoreResolver) Resolve(ctx context.Context, req *http.Request) (*catalog.User, Method) {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		key := strings.TrimPrefix(auth, "Bearer ")
		if user := r.resolveAPIKey(ctx, key); user != nil {
			return user, MethodAPIKey
		}
	}

	if r.sessionCookie != "" && len(r.jwtSecret) > 0 {
		if cookie, err := req.Cookie(r.sessionCookie); err == nil {
			if user := r.resolveSession(ctx, cookie.Value); user != nil {
				return user, MethodSession
			}
		}
	}

	return nil, MethodNone
}

func (r *StoreResolver) resolveAPIKey(ctx context.Context, key string) *catalog.User {
	user, err := r.store.FindUserByKeyHash(ctx, HashKey(key))
	if err != nil {
		log.Warn().Err(err).Str("key", utils.MaskKey(key)).Msg("api key lookup failed")
		return nil
	}
	return user
}

func (r *StoreResolver) resolveSession(ctx context.Context, token string) *catalog.User {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("session user lookup failed")
		return nil
	}
	return user
}

// HashKey hashes an API key for storage and lookup. Keys are stored only
// as hashes.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
