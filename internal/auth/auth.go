package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// ErrPermissionDenied is returned when the acting principal lacks a permission.
var ErrPermissionDenied = errors.New("permission denied")

// Permission is a plugin management permission.
type Permission string

const (
	PermissionPluginRead  Permission = "plugin:read"
	PermissionPluginWrite Permission = "plugin:write"
)

// AdminPrincipalName is the principal used for privileged system actions.
const AdminPrincipalName = "_scmadmin"

// Principal is the acting subject of a request.
type Principal struct {
	Name  string
	Admin bool
	// Permissions are granted in addition to what Admin implies.
	Permissions []Permission
}

// IsPermitted reports whether the principal holds the permission.
func (p *Principal) IsPermitted(permission Permission) bool {
	if p == nil {
		return false
	}
	if p.Admin {
		return true
	}
	for _, granted := range p.Permissions {
		if granted == permission {
			return true
		}
		// write implies read
		if granted == PermissionPluginWrite && permission == PermissionPluginRead {
			return true
		}
	}
	return false
}

type contextKey string

const principalContextKey = contextKey("principal")

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// FromContext returns the principal of the context or nil.
func FromContext(ctx context.Context) *Principal {
	principal, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return principal
}

// Check returns ErrPermissionDenied unless the context principal holds the
// permission.
func Check(ctx context.Context, permission Permission) error {
	if !FromContext(ctx).IsPermitted(permission) {
		return ErrPermissionDenied
	}
	return nil
}

// RunAsAdmin executes fn with an administrative principal. It is used where
// no user session exists yet, such as first-run onboarding.
func RunAsAdmin(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(WithPrincipal(ctx, &Principal{Name: AdminPrincipalName, Admin: true}))
}

const tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns a random alphanumeric string of the given length
// drawn from crypto/rand. It is used for generated passwords and the
// first-run startup token.
func GenerateToken(length int) (string, error) {
	max := big.NewInt(int64(len(tokenCharset)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tokenCharset[n.Int64()]
	}
	return string(b), nil
}

// HashPassword generates a bcrypt hash of the password.
// The cost parameter (14) is a good balance between security and performance.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	return string(bytes), err
}

// CheckPasswordHash compares a plaintext password with a stored bcrypt hash.
// It returns true if the password matches the hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
