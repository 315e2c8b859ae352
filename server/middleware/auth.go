package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Scopes carried by admin tokens.
const (
	ScopeCatalogReload = "catalog:reload"
)

// OperatorKey is the gin context key holding the operator of an authorized
// admin request.
const OperatorKey = "operator"

const tokenPrefix = "hsi1"

var (
	errMalformedToken = errors.New("malformed token")
	errBadSignature   = errors.New("invalid signature")
	errTokenExpired   = errors.New("token expired")
)

// AdminClaims is the signed payload of a catalog administration token.
type AdminClaims struct {
	Operator  string   `json:"sub"`
	Scopes    []string `json:"scp"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

func (c AdminClaims) Allows(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// AdminAuth issues and checks the bearer tokens for the admin routes.
// Tokens are "hsi1.<payload>.<hmac-sha256>" with base64url parts.
type AdminAuth struct {
	secretKey []byte
	logger    *zap.Logger
	now       func() time.Time
}

func NewAdminAuth(secretKey string, logger *zap.Logger) *AdminAuth {
	if secretKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("failed to generate secret key: %v", err))
		}
		secretKey = base64.StdEncoding.EncodeToString(key)
		logger.Warn("No admin secret configured, generated a random one; admin tokens will not survive a restart")
	}

	return &AdminAuth{
		secretKey: []byte(secretKey),
		logger:    logger,
		now:       time.Now,
	}
}

// IssueToken signs a token for operator granting the given scopes for ttl.
func (a *AdminAuth) IssueToken(operator string, ttl time.Duration, scopes ...string) (string, error) {
	if operator == "" {
		return "", errors.New("operator is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token lifetime must be positive, got %s", ttl)
	}
	if len(scopes) == 0 {
		return "", errors.New("at least one scope is required")
	}

	now := a.now()
	claims := AdminClaims{
		Operator:  operator,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	message := tokenPrefix + "." + base64.RawURLEncoding.EncodeToString(payload)
	return message + "." + a.sign(message), nil
}

// Require admits requests whose bearer token is valid and grants scope. The
// operator name is stored under OperatorKey.
func (a *AdminAuth) Require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		claims, err := a.verify(token)
		if err != nil {
			a.logger.Warn("Rejected admin token", zap.Error(err), zap.String("client_ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		if !claims.Allows(scope) {
			a.logger.Warn("Admin token lacks scope",
				zap.String("operator", claims.Operator),
				zap.String("scope", scope))
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}

		c.Set(OperatorKey, claims.Operator)
		c.Next()
	}
}

func (a *AdminAuth) verify(token string) (*AdminClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return nil, errMalformedToken
	}

	if !hmac.Equal([]byte(parts[2]), []byte(a.sign(parts[0]+"."+parts[1]))) {
		return nil, errBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errMalformedToken
	}

	var claims AdminClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errMalformedToken
	}

	if a.now().Unix() >= claims.ExpiresAt {
		return nil, errTokenExpired
	}
	return &claims, nil
}

func (a *AdminAuth) sign(message string) string {
	h := hmac.New(sha256.New, a.secretKey)
	h.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
