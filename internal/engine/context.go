package engine

import (
	"time"

	"records-backend/internal/metadata"
)

// UserLocalsKey is the fiber.Ctx locals key holding the *metadata.UserContext.
const UserLocalsKey = "user"

// PermissionEvaluator decides what a user may do with a table.
type PermissionEvaluator interface {
	Allowed(user *metadata.UserContext, table string, action metadata.Action) bool
	ReadableFields(user *metadata.UserContext, entity *metadata.Entity) map[string]bool
	// RowConditions returns nil when the user is unrestricted; otherwise a
	// record qualifies if it satisfies every condition of some group.
	RowConditions(user *metadata.UserContext, table string, action metadata.Action) [][]metadata.PermissionCondition
}

// RequestContext carries the caller identity and request clock into every
// engine operation. User is nil when authentication is disabled.
type RequestContext struct {
	User    *metadata.UserContext
	Perms   PermissionEvaluator
	Now     time.Time
	Timeout time.Duration
}

// userID returns the authorship value for system fields, or nil.
func (rc *RequestContext) userID() any {
	if rc.User == nil || rc.User.ID == "" {
		return nil
	}
	return rc.User.ID
}

// now is truncated to the microsecond precision both stores keep.
func (rc *RequestContext) now() time.Time {
	t := rc.Now
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

// authorize fails with 401 for anonymous callers and 403 otherwise.
func (rc *RequestContext) authorize(table string, action metadata.Action) error {
	if rc.Perms.Allowed(rc.User, table, action) {
		return nil
	}
	if rc.User == nil {
		return UnauthorizedError("Authentication required")
	}
	return ForbiddenError("Permission denied for " + string(action) + " on " + table)
}

// begin pins the request clock so every timestamp written by one operation
// is identical.
func (rc *RequestContext) begin() *RequestContext {
	c := *rc
	c.Now = c.now()
	return &c
}
