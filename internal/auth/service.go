// Package auth issues and verifies client credentials for the gateway.
// A client application registers once, receives an API key, and trades
// it for short-lived JWT session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrInvalidKey     = errors.New("invalid api key")
	ErrNameExists     = errors.New("client name already exists")
	ErrInvalidToken   = errors.New("invalid token")
)

type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

// Client is a registered consumer of the gateway API.
type Client struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// Claims are the session token payload.
type Claims struct {
	ClientID string   `json:"client_id"`
	Name     string   `json:"name"`
	Perms    []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

func NewService(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// InitSchema creates the clients table when it does not exist.
func (s *Service) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS clients (
			id          TEXT PRIMARY KEY,
			name        TEXT UNIQUE NOT NULL,
			key_hash    TEXT NOT NULL,
			permissions TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create clients table: %w", err)
	}
	return nil
}

// Register creates a client and returns it together with the plain API
// key. The key is stored hashed and cannot be recovered later.
func (s *Service) Register(ctx context.Context, name string, permissions []string) (*Client, string, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM clients WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", ErrNameExists
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)

	client := &Client{
		ID:          uuid.New().String(),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO clients (id, name, key_hash, permissions, created_at) VALUES ($1, $2, $3, $4, $5)",
		client.ID, client.Name, hashKey(key), strings.Join(permissions, ","), client.CreatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	return client, key, nil
}

// Login verifies an API key and returns a signed session token.
func (s *Service) Login(ctx context.Context, apiKey string) (string, error) {
	var clientID, name, permsStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, permissions FROM clients WHERE key_hash = $1",
		hashKey(apiKey),
	).Scan(&clientID, &name, &permsStr)
	if err == sql.ErrNoRows {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", err
	}

	claims := &Claims{
		ClientID: clientID,
		Name:     name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if permsStr != "" {
		claims.Perms = strings.Split(permsStr, ",")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken validates a session token, with or without its "Bearer "
// prefix, and returns its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
