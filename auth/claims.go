package auth

import "github.com/golang-jwt/jwt/v5"

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Claims is the JWT payload carried by every authenticated request. It
// embeds jwt.RegisteredClaims for standard fields (exp, iat) and adds
// the user identity needed by the API handlers.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }
