// Package middleware provides authentication and error recovery middleware for the Gin web framework.
package middleware

import (
	"crypto/sha256"
	"strings"
	"sync"

	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AuthenticatedKey is set on the gin context once a bearer token was accepted
const AuthenticatedKey = "service_authenticated"

// HashServiceToken returns the bcrypt hash to put in server.api_token_hashes
func HashServiceToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", contextutils.WrapError(contextutils.ErrMissingRequired, "token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", contextutils.WrapError(err, "failed to hash token")
	}
	return string(hash), nil
}

// tokenVerifier checks bearer tokens against bcrypt hashes. Accepted tokens
// are remembered by digest so bcrypt runs once per token and process.
type tokenVerifier struct {
	hashes [][]byte

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

func newTokenVerifier(hashes []string) *tokenVerifier {
	v := &tokenVerifier{accepted: make(map[[sha256.Size]byte]struct{})}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

func (v *tokenVerifier) verify(token string) bool {
	digest := sha256.Sum256([]byte(token))
	v.mu.RLock()
	_, ok := v.accepted[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	for _, hash := range v.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			v.mu.Lock()
			v.accepted[digest] = struct{}{}
			v.mu.Unlock()
			return true
		}
	}
	return false
}

// RequireServiceToken returns a middleware that only lets through requests
// carrying "Authorization: Bearer <token>" for a token whose bcrypt hash is
// listed. With no hashes configured every request passes.
func RequireServiceToken(hashes []string) gin.HandlerFunc {
	verifier := newTokenVerifier(hashes)

	return func(c *gin.Context) {
		if len(verifier.hashes) == 0 {
			c.Next()
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !verifier.verify(token) {
			HandleAppError(c, contextutils.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(AuthenticatedKey, true)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
