package metadata

// System field names present on every table.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldDeletedAt = "deleted_at"
	FieldCreatedBy = "created_by"
	FieldUpdatedBy = "updated_by"
	FieldDeletedBy = "deleted_by"

	// ColumnDeletionID tags every row touched by one soft-delete walk.
	// It is never exposed through the records API.
	ColumnDeletionID = "deletion_id"
)

var systemFields = []Field{
	{Name: FieldID, Type: "uuid", system: true},
	{Name: FieldCreatedAt, Type: "timestamp", system: true},
	{Name: FieldUpdatedAt, Type: "timestamp", system: true},
	{Name: FieldDeletedAt, Type: "timestamp", Nullable: true, system: true},
	{Name: FieldCreatedBy, Type: "string", Nullable: true, system: true},
	{Name: FieldUpdatedBy, Type: "string", Nullable: true, system: true},
	{Name: FieldDeletedBy, Type: "string", Nullable: true, system: true},
}

// SystemFields returns a copy of the system field definitions.
func SystemFields() []Field {
	out := make([]Field, len(systemFields))
	copy(out, systemFields)
	return out
}

// IsSystemField reports whether name is an engine-managed field.
func IsSystemField(name string) bool {
	for _, f := range systemFields {
		if f.Name == name {
			return true
		}
	}
	return name == ColumnDeletionID
}

type Entity struct {
	Name   string  `json:"name"`
	Table  string  `json:"table"`
	Fields []Field `json:"fields"`

	all []Field // system fields followed by user fields
}

// prepare builds the combined field list and compiles validators.
func (e *Entity) prepare() error {
	e.all = make([]Field, 0, len(systemFields)+len(e.Fields))
	e.all = append(e.all, SystemFields()...)
	for i := range e.Fields {
		if err := e.Fields[i].compile(); err != nil {
			return err
		}
	}
	e.all = append(e.all, e.Fields...)
	if e.Table == "" {
		e.Table = e.Name
	}
	return nil
}

func (e *Entity) allFields() []Field {
	if e.all == nil {
		return append(SystemFields(), e.Fields...)
	}
	return e.all
}

// GetField returns a pointer to the field with the given name, or nil.
// System fields are included.
func (e *Entity) GetField(name string) *Field {
	all := e.allFields()
	for i := range all {
		if all[i].Name == name {
			return &all[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns system and user field names in column order.
func (e *Entity) FieldNames() []string {
	all := e.allFields()
	names := make([]string, len(all))
	for i, f := range all {
		names[i] = f.Name
	}
	return names
}

// UserFields returns the caller-writable fields.
func (e *Entity) UserFields() []Field {
	return e.Fields
}

// UniqueFields returns the names of fields carrying a unique constraint.
func (e *Entity) UniqueFields() []string {
	var names []string
	for _, f := range e.Fields {
		if f.Unique {
			names = append(names, f.Name)
		}
	}
	return names
}
