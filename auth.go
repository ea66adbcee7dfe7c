package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// compareHash is swapped out in tests.
var compareHash = bcrypt.CompareHashAndPassword

const (
	defaultTokenTTL  = 12 * time.Hour
	bcryptCost       = 12
	minPasswordLen   = 4
	loginRateWindow  = 60 * time.Second
	maxLoginAttempts = 10
	jwtSecretKey     = "jwt_secret"
)

var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrRateLimited    = errors.New("too many login attempts, try again later")
	ErrUnauthorized   = errors.New("unauthorized")
)

// Auth gates control messages behind an operator login. With no password
// hash configured it is disabled and every control message is accepted.
type Auth struct {
	user      string
	passHash  []byte
	ttl       time.Duration
	jwtSecret []byte

	// Rate limiting for login attempts (IP -> attempts)
	rateMu  sync.Mutex
	rateMap map[string]*rateEntry
}

type rateEntry struct {
	Count   int
	ResetAt time.Time
}

// NewAuth creates a new Auth handler. db may be nil, in which case the
// signing secret lives only as long as the process.
func NewAuth(cfg AuthConfig, db *DB) *Auth {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Auth{
		user:      cfg.OperatorUser,
		passHash:  []byte(cfg.OperatorPasswordHash),
		ttl:       ttl,
		jwtSecret: loadOrCreateSecret(db),
		rateMap:   make(map[string]*rateEntry),
	}
}

// loadOrCreateSecret loads the JWT secret from the database, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if db != nil {
		if h := db.GetSetting(jwtSecretKey); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	// Generate a new secret
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting(jwtSecretKey, hex.EncodeToString(secret)); err != nil {
			logrus.WithError(err).Warn("could not persist JWT secret")
		}
	}
	return secret
}

// Enabled reports whether control messages require a token.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.passHash) > 0
}

// HashPassword returns the bcrypt hash for the operator config.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login checks the operator credentials and returns a signed token and its
// expiry.
func (a *Auth) Login(username, password, ip string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrUnauthorized
	}
	// Rate limiting
	if !a.checkRate(ip) {
		return "", time.Time{}, ErrRateLimited
	}
	// always pay for the bcrypt compare so timing does not reveal the user
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.user)) == 1
	passOK := compareHash(a.passHash, []byte(password)) == nil
	if !userOK || !passOK {
		return "", time.Time{}, ErrBadCredentials
	}

	exp := time.Now().Add(a.ttl)
	token, err := a.generateToken(username, exp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	logrus.WithFields(logrus.Fields{"user": username, "ip": ip}).Info("operator logged in")
	return token, exp, nil
}

// ValidateToken validates a JWT and returns the operator name.
func (a *Auth) ValidateToken(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", ErrUnauthorized
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrUnauthorized
	}
	username, ok := claims["usr"].(string)
	if !ok || username != a.user {
		return "", ErrUnauthorized
	}
	return username, nil
}

func (a *Auth) generateToken(username string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"usr": username,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *Auth) checkRate(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now()
	entry, ok := a.rateMap[ip]
	if !ok || now.After(entry.ResetAt) {
		a.rateMap[ip] = &rateEntry{Count: 1, ResetAt: now.Add(loginRateWindow)}
		return true
	}
	entry.Count++
	return entry.Count <= maxLoginAttempts
}
