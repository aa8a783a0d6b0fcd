package auth

import (
	"errors"
	"time"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Method is the way a request proved its identity.
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodJWT   Method = "jwt"   // bearer token issued by Login
)

// Actions checked by RequirePermission.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// User is a configured API account. PasswordHash is a bcrypt hash.
type User struct {
	Username     string   `mapstructure:"username" json:"username"`
	PasswordHash string   `mapstructure:"password_hash" json:"-"`
	Roles        []string `mapstructure:"roles" json:"roles"`
}

// Config enables authentication on the status API.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// Result is the outcome of authenticating one request.
type Result struct {
	Success  bool     `json:"success"`
	Method   Method   `json:"method,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Token    *Token   `json:"token,omitempty"`
}

// Token is a signed JWT.
type Token struct {
	Type      string    `json:"type"` // "Bearer"
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body accepted by the login endpoint.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// rolePermissions maps a role to the actions it may perform.
var rolePermissions = map[string][]string{
	"admin":    {"*"},
	"operator": {ActionRead, ActionWrite},
	"viewer":   {ActionRead},
}

// HasPermission reports whether any of roles allows action.
func HasPermission(roles []string, action string) bool {
	for _, role := range roles {
		for _, a := range rolePermissions[role] {
			if a == "*" || a == action {
				return true
			}
		}
	}
	return false
}
