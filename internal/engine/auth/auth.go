// Package auth holds the authorization checks layered over the engine:
// administrator detection and the error type the API maps to 403.
package auth

import (
	"context"
	"fmt"

	"signoff/internal/repo"
)

// AdminRole grants override powers: cancel any request, manual escalation,
// flow and delegation administration.
const AdminRole = "approvals-admin"

type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s required", e.Permission)
}

// IsAdmin reports whether the user holds the administrator role.
func IsAdmin(ctx context.Context, r repo.Repo, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return r.UserHasRole(ctx, userID, AdminRole)
}
