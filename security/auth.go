package security

import (
	"sync"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/crypto/bcrypt"
)

const APIKeyHeader = "X-Api-Key"

// APIKeyAuth checks the X-Api-Key header against a bcrypt hash. Keys that
// passed once are remembered so bcrypt runs once per distinct key.
type APIKeyAuth struct {
	hash   []byte
	exempt map[string]bool

	verified sync.Map
}

// NewAPIKeyAuth returns nil when hash is empty, which disables the check.
func NewAPIKeyAuth(hash string, exemptPaths ...string) *APIKeyAuth {
	if hash == "" {
		return nil
	}
	a := &APIKeyAuth{hash: []byte(hash), exempt: make(map[string]bool, len(exemptPaths))}
	for _, p := range exemptPaths {
		a.exempt[p] = true
	}
	return a
}

func (a *APIKeyAuth) Valid(key string) bool {
	if a == nil {
		return true
	}
	if key == "" {
		return false
	}
	if _, ok := a.verified.Load(key); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(key)) != nil {
		return false
	}
	a.verified.Store(key, struct{}{})
	return true
}

func (a *APIKeyAuth) Middleware(e *core.RequestEvent) error {
	if a == nil || a.exempt[e.Request.URL.Path] {
		return e.Next()
	}
	if !a.Valid(e.Request.Header.Get(APIKeyHeader)) {
		return apis.NewUnauthorizedError("Missing or invalid API key.", nil)
	}
	return e.Next()
}
