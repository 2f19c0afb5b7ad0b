package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PermissionCrossTenant lets a principal act on tenants other than its own.
// Granted to platform operators only.
const PermissionCrossTenant = "tenants:*"

// Principal is the resolved caller identity for one request. It is built
// once from a verified bearer credential, passed explicitly to every
// downstream call, and discarded at request end. It is never persisted.
type Principal struct {
	UserID      uuid.UUID
	TenantID    uuid.UUID
	Roles       []string
	Permissions []string
	TokenExpiry time.Time
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal carries at least one of the
// given roles. An empty required set matches nothing.
func (p *Principal) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal holds the named permission.
// A bare "*" grants everything; "prefix:*" grants every permission under
// that prefix.
func (p *Principal) HasPermission(perm string) bool {
	for _, granted := range p.Permissions {
		if granted == perm || granted == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(granted, ":*"); ok {
			if strings.HasPrefix(perm, prefix+":") {
				return true
			}
		}
	}
	return false
}

// IsCrossTenantAdmin reports whether the principal may act on behalf of
// tenants other than its own.
func (p *Principal) IsCrossTenantAdmin() bool {
	return p.HasPermission(PermissionCrossTenant)
}

// Expired reports whether the backing credential has expired at the given
// instant.
func (p *Principal) Expired(now time.Time) bool {
	return !p.TokenExpiry.IsZero() && now.After(p.TokenExpiry)
}
