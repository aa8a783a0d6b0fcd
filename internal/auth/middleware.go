package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey = "auth_result"

// Middleware guards gin routes. A nil or disabled Middleware lets every
// request through.
type Middleware struct {
	svc     *Service
	enabled bool
}

func NewMiddleware(svc *Service, enabled bool) *Middleware {
	return &Middleware{svc: svc, enabled: enabled && svc != nil}
}

func (m *Middleware) Enabled() bool { return m != nil && m.enabled }

func (m *Middleware) Service() *Service {
	if m == nil {
		return nil
	}
	return m.svc
}

// GinAuth rejects requests without valid bearer or basic credentials.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		res, err := m.authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Basic realm="warden"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequirePermission must run after GinAuth.
func (m *Middleware) GinRequirePermission(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		v, exists := c.Get(ResultKey)
		res, ok := v.(*Result)
		if !exists || !ok || !res.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !HasPermission(res.Roles, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.authenticateJWT(r.Context(), strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.authenticateBasic(r.Context(), username, password)
	}
	return &Result{Success: false}, ErrInvalidCredentials
}
