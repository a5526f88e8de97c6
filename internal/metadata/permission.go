package metadata

// Action is an operation checked by the permission evaluator.
type Action string

const (
	ActionRead            Action = "read"
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionRestore         Action = "restore"
	ActionPermanentDelete Action = "permanent_delete"
)

// Permission represents a metadata-driven permission policy.
type Permission struct {
	ID         string                `json:"id,omitempty"`
	Entity     string                `json:"entity"`
	Action     Action                `json:"action"`
	Roles      []string              `json:"roles"`
	Fields     []string              `json:"fields,omitempty"` // read only; empty means all fields
	Conditions []PermissionCondition `json:"conditions,omitempty"`
}

// PermissionCondition is a field-level condition for a permission policy.
type PermissionCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}
