package authz

import (
	_ "embed"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"

	"records-backend/internal/metadata"
)

//go:embed model.conf
var modelConf string

// readFieldAction is the casbin action for field-level read grants.
// Objects are "table.field"; a grant on "table.*" covers every field.
const readFieldAction = "read_field"

type condKey struct {
	role   string
	table  string
	action metadata.Action
}

// Evaluator answers table-action and readable-field questions from the
// permission policies in the registry. Users holding the admin role bypass
// every check.
type Evaluator struct {
	adminRole string

	mu         sync.RWMutex
	enforcer   *casbin.Enforcer
	conditions map[condKey][][]metadata.PermissionCondition
	open       map[condKey]bool // role holds an unconditional grant
}

// New builds an Evaluator from permission policies.
func New(perms []*metadata.Permission, adminRole string) (*Evaluator, error) {
	e := &Evaluator{adminRole: strings.ToLower(adminRole)}
	if err := e.Load(perms); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the policy set. On error the previous set stays active.
func (e *Evaluator) Load(perms []*metadata.Permission) error {
	m, err := model.NewModelFromString(modelConf)
	if err != nil {
		return fmt.Errorf("load casbin model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return fmt.Errorf("create enforcer: %w", err)
	}

	conditions := make(map[condKey][][]metadata.PermissionCondition)
	open := make(map[condKey]bool)
	for _, p := range perms {
		for _, role := range p.Roles {
			role = strings.ToLower(role)
			if _, err := enforcer.AddPolicy(role, p.Entity, string(p.Action)); err != nil {
				return fmt.Errorf("add policy %s/%s/%s: %w", role, p.Entity, p.Action, err)
			}
			key := condKey{role: role, table: p.Entity, action: p.Action}
			if len(p.Conditions) == 0 {
				open[key] = true
			} else {
				conditions[key] = append(conditions[key], p.Conditions)
			}
			if p.Action != metadata.ActionRead {
				continue
			}
			objects := []string{p.Entity + ".*"}
			if len(p.Fields) > 0 {
				objects = objects[:0]
				for _, f := range p.Fields {
					objects = append(objects, p.Entity+"."+f)
				}
			}
			for _, obj := range objects {
				if _, err := enforcer.AddPolicy(role, obj, readFieldAction); err != nil {
					return fmt.Errorf("add field policy %s/%s: %w", role, obj, err)
				}
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforcer = enforcer
	e.conditions = conditions
	e.open = open
	return nil
}

func (e *Evaluator) isAdmin(user *metadata.UserContext) bool {
	for _, r := range user.Roles {
		if strings.ToLower(r) == e.adminRole {
			return true
		}
	}
	return false
}

func (e *Evaluator) enforce(role, obj, act string) bool {
	ok, err := e.enforcer.Enforce(role, obj, act)
	if err != nil {
		log.Printf("WARN: authz enforce %s %s %s: %v", role, obj, act, err)
		return false
	}
	return ok
}

// Allowed reports whether any of the user's roles may perform action on table.
func (e *Evaluator) Allowed(user *metadata.UserContext, table string, action metadata.Action) bool {
	if user == nil {
		return false
	}
	if e.isAdmin(user) {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, role := range user.Roles {
		if e.enforce(strings.ToLower(role), table, string(action)) {
			return true
		}
	}
	return false
}

// ReadableFields returns the fields of entity the user may read. System
// fields are readable whenever the table is.
func (e *Evaluator) ReadableFields(user *metadata.UserContext, entity *metadata.Entity) map[string]bool {
	out := make(map[string]bool)
	if !e.Allowed(user, entity.Name, metadata.ActionRead) {
		return out
	}
	admin := e.isAdmin(user)

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range entity.FieldNames() {
		if admin || metadata.IsSystemField(name) {
			out[name] = true
			continue
		}
		for _, role := range user.Roles {
			if e.enforce(strings.ToLower(role), entity.Name+"."+name, readFieldAction) {
				out[name] = true
				break
			}
		}
	}
	return out
}

// RowConditions returns the row-level condition groups that restrict action
// on table. A record qualifies when it satisfies every condition of at least
// one group. A nil result means the user is not restricted.
func (e *Evaluator) RowConditions(user *metadata.UserContext, table string, action metadata.Action) [][]metadata.PermissionCondition {
	if user == nil || e.isAdmin(user) {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var groups [][]metadata.PermissionCondition
	for _, role := range user.Roles {
		key := condKey{role: strings.ToLower(role), table: table, action: action}
		if e.open[key] {
			return nil
		}
		groups = append(groups, e.conditions[key]...)
	}
	return groups
}

// OpenAccess allows everything. It is used when authentication is disabled.
type OpenAccess struct{}

func (OpenAccess) Allowed(*metadata.UserContext, string, metadata.Action) bool { return true }

func (OpenAccess) ReadableFields(_ *metadata.UserContext, entity *metadata.Entity) map[string]bool {
	out := make(map[string]bool)
	for _, name := range entity.FieldNames() {
		out[name] = true
	}
	return out
}

func (OpenAccess) RowConditions(*metadata.UserContext, string, metadata.Action) [][]metadata.PermissionCondition {
	return nil
}
