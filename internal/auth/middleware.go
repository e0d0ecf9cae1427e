package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"gorm.io/gorm"

	"github.com/storehealth/internal/models"
)

const (
	tokenTTL = 24 * time.Hour

	ctxOperatorID = "operator_id"
	ctxUsername   = "username"
	ctxRole       = "role"

	// AnonymousActor stamps changes made while authentication is disabled.
	AnonymousActor = "api"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Claims struct {
	OperatorID uint        `json:"operator_id"`
	Username   string      `json:"username"`
	Role       models.Role `json:"role"`
	jwt.StandardClaims
}

// Authenticator issues and checks bearer tokens for API operators.
type Authenticator struct {
	db      *gorm.DB
	secret  []byte
	enabled bool
	Now     func() time.Time
}

func NewAuthenticator(db *gorm.DB, secret string, enabled bool) *Authenticator {
	return &Authenticator{
		db:      db,
		secret:  []byte(secret),
		enabled: enabled,
		Now:     time.Now,
	}
}

func (a *Authenticator) Enabled() bool {
	return a.enabled
}

func (a *Authenticator) GenerateToken(op *models.Operator) (string, error) {
	now := a.Now()
	claims := Claims{
		OperatorID: op.ID,
		Username:   op.Username,
		Role:       op.Role,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(tokenTTL).Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Login checks an operator's password and returns a fresh token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *models.Operator, error) {
	var op models.Operator
	err := a.db.WithContext(ctx).Where("username = ? AND is_active = ?", username, true).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load operator: %w", err)
	}
	if !op.CheckPassword(password) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := a.GenerateToken(&op)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return token, &op, nil
}

func (a *Authenticator) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. It lets every
// request through when authentication is disabled.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authorization header is required"})
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authorization header must be a bearer token"})
			return
		}

		claims, err := a.parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}

		c.Set(ctxOperatorID, claims.OperatorID)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxRole, string(claims.Role))
		c.Next()
	}
}

// RequirePermission checks the caller's role against an operator action.
func (a *Authenticator) RequirePermission(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Next()
			return
		}

		op := models.Operator{Role: models.Role(c.GetString(ctxRole))}
		if !op.HasPermission(action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// Actor names the caller for acknowledged_by and resolved_by fields.
func Actor(c *gin.Context) string {
	if name := c.GetString(ctxUsername); name != "" {
		return name
	}
	return AnonymousActor
}
