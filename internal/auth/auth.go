// Package auth issues and validates the credentials used to reach the
// console: long-lived API tokens (bcrypt-hashed at rest), HS256 JWTs, and
// short-lived one-time tickets for WebSocket upgrades. Tickets exist so the
// reconnect URL never carries a long-lived secret that could end up in logs.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/termspan/termspan/internal/store"
)

const (
	jwtSecretKey = "jwt_secret"
	tokenPrefix  = "tsp"
	ticketTTL    = 30 * time.Second
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidTicket = errors.New("invalid or expired ticket")
)

// Claims are the JWT claims for a console credential.
type Claims struct {
	jwt.RegisteredClaims
	Label string `json:"label,omitempty"`
}

type Auth struct {
	store  *store.Store
	secret []byte

	mu      sync.Mutex
	tickets map[string]ticket
}

type ticket struct {
	identity string
	expires  time.Time
}

// New loads or generates the JWT signing secret. envSecret (base64) wins over
// the stored one.
func New(st *store.Store, envSecret string) (*Auth, error) {
	secret, err := loadSecret(st, envSecret)
	if err != nil {
		return nil, err
	}
	return &Auth{
		store:   st,
		secret:  secret,
		tickets: make(map[string]ticket),
	}, nil
}

func loadSecret(st *store.Store, envSecret string) ([]byte, error) {
	if envSecret != "" {
		return base64.StdEncoding.DecodeString(envSecret)
	}
	val, err := st.GetConfig(jwtSecretKey)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := st.SetConfig(jwtSecretKey, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return nil, err
	}
	return secret, nil
}

// NewAPIToken mints a token of the form tsp_<id>_<secret>, storing only a
// bcrypt hash of the secret half. The full token is shown once.
func (a *Auth) NewAPIToken(label string) (string, error) {
	id := randomHex(8)
	secret := randomHex(16)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := a.store.CreateToken(id, string(hash), label); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s", tokenPrefix, id, secret), nil
}

// ValidateAPIToken checks a tsp_ token against the store and returns its
// label as the identity.
func (a *Auth) ValidateAPIToken(token string) (string, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return "", ErrInvalidToken
	}
	hash, label, err := a.store.TokenHash(parts[1])
	if err == sql.ErrNoRows {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(parts[2])) != nil {
		return "", ErrInvalidToken
	}
	if label == "" {
		label = parts[1]
	}
	return label, nil
}

// IssueJWT creates a signed JWT for the given identity.
func (a *Auth) IssueJWT(identity string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies a JWT and returns the subject identity.
func (a *Auth) ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse jwt: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Authenticate accepts either credential form.
func (a *Auth) Authenticate(credential string) (string, error) {
	if strings.HasPrefix(credential, tokenPrefix+"_") {
		return a.ValidateAPIToken(credential)
	}
	return a.ValidateJWT(credential)
}

// IssueTicket mints a single-use upgrade ticket bound to identity.
func (a *Auth) IssueTicket(identity string) string {
	t := randomHex(16)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()
	a.tickets[t] = ticket{identity: identity, expires: time.Now().Add(ticketTTL)}
	return t
}

// RedeemTicket consumes a ticket and returns the bound identity. A ticket
// redeems at most once.
func (a *Auth) RedeemTicket(t string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tk, ok := a.tickets[t]
	if !ok {
		return "", ErrInvalidTicket
	}
	delete(a.tickets, t)
	if time.Now().After(tk.expires) {
		return "", ErrInvalidTicket
	}
	return tk.identity, nil
}

// TicketTTL is how long an issued ticket stays redeemable.
func (a *Auth) TicketTTL() time.Duration {
	return ticketTTL
}

// prune drops expired tickets. Caller holds mu.
func (a *Auth) prune() {
	now := time.Now()
	for k, tk := range a.tickets {
		if now.After(tk.expires) {
			delete(a.tickets, k)
		}
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
