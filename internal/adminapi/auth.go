package adminapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters — OWASP 2025 recommendation.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword hashes a plaintext password using Argon2id, in PHC string
// format, for storage in AdminAPIConfig.Operator.PasswordHash.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return false, fmt.Errorf("invalid PHC hash format")
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("parsing hash parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decoding hash: %w", err)
	}
	candidate := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(hash))) //nolint:gosec // len(hash) always small
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

// operatorClaims is the JWT payload issued to an authenticated operator.
type operatorClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

func (s *Server) issueToken(username string) (string, error) {
	ttl := s.cfg.JWT.AccessTokenTTL
	if ttl <= 0 {
		ttl = 15 //nolint:mnd // default 15-minute access token TTL
	}
	now := time.Now()
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Minute)),
			ID:        uuid.NewString(),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

func (s *Server) parseToken(tokenString string) (*operatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWT.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTokenInvalid, err)
	}
	claims, ok := token.Claims.(*operatorClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errTokenInvalid
	}
	return claims, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.Operator.Username)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	ok, err := verifyPassword(req.Password, s.cfg.Operator.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.issueToken(req.Username)
	if err != nil {
		s.log.Error("adminapi: issuing token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ttl := s.cfg.JWT.AccessTokenTTL
	if ttl <= 0 {
		ttl = 15 //nolint:mnd // default 15-minute access token TTL
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, ExpiresIn: ttl * 60}) //nolint:mnd // minutes to seconds
}
