package auth

import (
	xerrors "AgentPay/internal/errors"
)

// Mode enumerates the supported identity providers.
type Mode string

const (
	// ModeDisabled trusts the identity header set by an upstream gateway.
	ModeDisabled Mode = "disabled"
	// ModeJWT requires an HS256 bearer token whose subject is the identity.
	ModeJWT Mode = "jwt"
)

// DefaultIdentityHeader carries the caller identity when authentication is disabled.
const DefaultIdentityHeader = "X-Agent-Identity"

// AdminKeyHeader carries the operator key for administrative routes.
const AdminKeyHeader = "X-Admin-Key"

// Config configures the authentication service.
type Config struct {
	Mode     Mode
	Secret   string
	Issuer   string
	Header   string
	AdminKey string
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingIdentity = xerrors.New(xerrors.CodeUnauthenticated, "missing caller identity")
	ErrMissingToken    = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken    = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrAdminRequired   = xerrors.New(xerrors.CodeForbidden, "administrator key required")
)
