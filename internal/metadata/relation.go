package metadata

// Delete policies for a relation.
const (
	OnDeleteCascade  = "cascade"
	OnDeleteSetNull  = "set_null"
	OnDeleteRestrict = "restrict"
)

// Relation is a cascade edge: rows of Target reference rows of Source
// through the TargetKey field.
type Relation struct {
	Name      string `json:"name"`
	Source    string `json:"source"`     // parent entity
	Target    string `json:"target"`     // child entity
	TargetKey string `json:"target_key"` // FK field on the child
	OnDelete  string `json:"on_delete"`  // cascade, set_null, restrict
}

// Policy returns the delete policy, defaulting to restrict.
func (r *Relation) Policy() string {
	if r.OnDelete != "" {
		return r.OnDelete
	}
	return OnDeleteRestrict
}
