package auth

import (
	"fmt"
	"strings"
)

// validScopes is the closed set of grantable permissions. A scope may carry a
// third segment naming one object, e.g. "topics:publish:orders".
var validScopes = map[string]bool{
	"*":                     true,
	"topics:create":         true,
	"topics:read":           true,
	"topics:delete":         true,
	"topics:publish":        true,
	"subscriptions:create":  true,
	"subscriptions:read":    true,
	"subscriptions:delete":  true,
	"subscriptions:consume": true,
	"clients:create":        true,
	"clients:update":        true,
	"clients:read":          true,
	"clients:delete":        true,
}

// ValidateScopes checks a space-separated scope string against the grantable
// set.
func ValidateScopes(scopes string) error {
	if strings.TrimSpace(scopes) == "" {
		return fmt.Errorf("scopes must not be empty")
	}
	for _, scope := range strings.Fields(scopes) {
		base := scope
		if parts := strings.Split(scope, ":"); len(parts) == 3 {
			base = parts[0] + ":" + parts[1]
		}
		if !validScopes[base] {
			return fmt.Errorf("invalid scope %s", scope)
		}
	}
	return nil
}

// ScopeSet turns a space-separated scope string into a membership set.
func ScopeSet(scopes string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, scope := range strings.Fields(scopes) {
		set[scope] = struct{}{}
	}
	return set
}

// HasScope reports whether the token scopes allow action on resource. The
// check passes on the superuser scope, the bare resource:action scope, or an
// object-scoped grant matching resourceID.
func HasScope(tokenScopes map[string]struct{}, resource, action, resourceID string) bool {
	if _, ok := tokenScopes["*"]; ok {
		return true
	}
	base := resource + ":" + action
	if _, ok := tokenScopes[base]; ok {
		return true
	}
	if resourceID != "" {
		if _, ok := tokenScopes[base+":"+resourceID]; ok {
			return true
		}
	}
	return false
}
