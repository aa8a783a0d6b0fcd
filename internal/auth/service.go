package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "warden"

// Service authenticates status API callers against the configured users.
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims are the JWT claims issued by Login.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewService validates cfg and builds a Service. A missing jwt_secret is
// replaced by a random one, so tokens do not survive a restart.
func NewService(cfg Config) (*Service, error) {
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, errors.New("auth user without username")
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate auth user %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		users[u.Username] = u
	}
	if cfg.Enabled && len(users) == 0 {
		return nil, errors.New("auth enabled but no users configured")
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl, now: time.Now}, nil
}

// HashPassword returns a bcrypt hash suitable for a user's password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// Login checks username/password and issues a token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	res, err := s.authenticateBasic(ctx, req.Username, req.Password)
	if err != nil {
		return res, err
	}
	tok, err := s.generateJWT(res.Username, res.Roles)
	if err != nil {
		return &Result{Success: false}, err
	}
	res.Token = tok
	return res, nil
}

func (s *Service) authenticateBasic(_ context.Context, username, password string) (*Result, error) {
	if username == "" || password == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	u, ok := s.users[username]
	if !ok {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return &Result{Success: true, Method: MethodBasic, Username: u.Username, Roles: u.Roles}, nil
}

func (s *Service) authenticateJWT(_ context.Context, tokenString string) (*Result, error) {
	if tokenString == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	// Tokens outlive config edits: the user must still exist and the roles
	// come from the current config, not the token.
	u, ok := s.users[claims.Username]
	if !ok {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return &Result{Success: true, Method: MethodJWT, Username: u.Username, Roles: u.Roles}, nil
}

func (s *Service) generateJWT(username string, roles []string) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}
