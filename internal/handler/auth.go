package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-lims-workflow/internal/service"
)

const ctxActor = "actor"

// actorClaims is the bearer token payload. The subject is the user id.
type actorClaims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Dept  string   `json:"dept,omitempty"`
}

// Authenticator verifies HS256 bearer tokens issued by the identity service
// and turns them into actors.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty issuer accepts any.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		actor, err := a.Verify(token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(ctxActor, actor)
		c.Next()
	}
}

// Verify parses a token and returns the actor it names.
func (a *Authenticator) Verify(token string) (service.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims actorClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return service.Actor{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return service.Actor{}, fmt.Errorf("invalid token: subject is required")
	}

	return service.Actor{
		ID:           claims.Subject,
		Name:         claims.Name,
		Roles:        claims.Roles,
		DepartmentID: claims.Dept,
	}, nil
}

// Issue signs a token for actor. Used by tooling and tests.
func (a *Authenticator) Issue(actor service.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  actor.Name,
		Roles: actor.Roles,
		Dept:  actor.DepartmentID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="lims-workflow"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error:  msg,
		Code:   "UNAUTHENTICATED",
		Status: http.StatusUnauthorized,
	})
}

// actorFrom returns the authenticated actor.
func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(ctxActor); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

func actorID(c *gin.Context) string {
	return actorFrom(c).ID
}
