package metadata

// Kind groups field types by how they compare, sort and coerce.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindBool
	KindTime
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindTime:
		return "time"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

type Field struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   bool     `json:"required,omitempty"`
	Unique     bool     `json:"unique,omitempty"`
	Default    any      `json:"default,omitempty"`
	Nullable   bool     `json:"nullable,omitempty"`
	Enum       []string `json:"enum,omitempty"`
	Precision  int      `json:"precision,omitempty"`
	Format     string   `json:"format,omitempty"`     // email, url, uuid, slug
	Check      string   `json:"check,omitempty"`      // expr-lang boolean over `value`
	Schema     string   `json:"schema,omitempty"`     // JSON schema, json fields only
	References string   `json:"references,omitempty"` // parent entity, reference fields only

	system bool
	val    *fieldValidator
}

// Kind returns the comparison kind for the field's type tag.
func (f *Field) Kind() Kind {
	switch f.Type {
	case "int", "integer", "bigint", "float", "decimal":
		return KindNumber
	case "boolean":
		return KindBool
	case "timestamp", "date":
		return KindTime
	case "json":
		return KindJSON
	default:
		return KindText
	}
}

// IsSystem reports whether the field is engine-managed.
func (f *Field) IsSystem() bool {
	return f.system
}

// IsSortable returns true for scalar fields.
func (f *Field) IsSortable() bool {
	return f.Kind() != KindJSON
}

// IsInteger returns true for integral number types.
func (f *Field) IsInteger() bool {
	return f.Type == "int" || f.Type == "integer" || f.Type == "bigint"
}
