package metadata

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTable is returned by GetTable for unregistered entities.
var ErrUnknownTable = errors.New("unknown table")

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

var knownTypes = map[string]bool{
	"string": true, "text": true, "int": true, "integer": true, "bigint": true,
	"float": true, "decimal": true, "boolean": true, "uuid": true,
	"timestamp": true, "date": true, "json": true, "reference": true,
}

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	relationsBySource map[string][]*Relation // keyed by source entity name
	relationsByTarget map[string][]*Relation // keyed by target entity name
	relationsByName   map[string]*Relation   // keyed by relation name
	permissions       []*Permission
	views             map[string]*View // keyed by entity + "/" + view name
}

func NewRegistry() *Registry {
	return &Registry{
		entities:          make(map[string]*Entity),
		relationsBySource: make(map[string][]*Relation),
		relationsByTarget: make(map[string][]*Relation),
		relationsByName:   make(map[string]*Relation),
		views:             make(map[string]*View),
	}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// GetTable resolves a table schema or returns ErrUnknownTable.
func (r *Registry) GetTable(name string) (*Entity, error) {
	if e := r.GetEntity(name); e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
}

// AllEntities returns all registered entities sorted by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByName[name]
}

// GetRelationsForSource returns all relations where source matches the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsBySource[entityName]
}

// GetView returns the named view of an entity, or nil.
func (r *Registry) GetView(entityName, viewName string) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.views[entityName+"/"+viewName]
}

// GetRelationsForTarget returns all relations where target matches the given entity.
func (r *Registry) GetRelationsForTarget(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByTarget[entityName]
}

// Permissions returns all loaded permission policies.
func (r *Registry) Permissions() []*Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permissions
}

// Definitions bundles everything Load replaces.
type Definitions struct {
	Entities    []*Entity     `json:"entities"`
	Relations   []*Relation   `json:"relations,omitempty"`
	Permissions []*Permission `json:"permissions,omitempty"`
	Views       []*View       `json:"views,omitempty"`
}

// Snapshot returns the loaded definitions, sorted by name.
func (r *Registry) Snapshot() Definitions {
	defs := Definitions{Entities: r.AllEntities()}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rel := range r.relationsByName {
		defs.Relations = append(defs.Relations, rel)
	}
	sort.Slice(defs.Relations, func(i, j int) bool { return defs.Relations[i].Name < defs.Relations[j].Name })
	defs.Permissions = append(defs.Permissions, r.permissions...)
	for _, v := range r.views {
		defs.Views = append(defs.Views, v)
	}
	sort.Slice(defs.Views, func(i, j int) bool {
		if defs.Views[i].Entity != defs.Views[j].Entity {
			return defs.Views[i].Entity < defs.Views[j].Entity
		}
		return defs.Views[i].Name < defs.Views[j].Name
	})
	return defs
}

// Load validates and replaces all definitions in the registry.
// Called during startup and after schema changes. On error the
// registry keeps its previous contents.
func (r *Registry) Load(defs Definitions) error {
	entities := make(map[string]*Entity, len(defs.Entities))
	for _, e := range defs.Entities {
		if err := validateEntity(e); err != nil {
			return err
		}
		if err := e.prepare(); err != nil {
			return fmt.Errorf("entity %s: %w", e.Name, err)
		}
		entities[e.Name] = e
	}

	bySource := make(map[string][]*Relation)
	byTarget := make(map[string][]*Relation)
	byName := make(map[string]*Relation, len(defs.Relations))
	for _, rel := range defs.Relations {
		if err := validateRelation(rel, entities); err != nil {
			return err
		}
		byName[rel.Name] = rel
		bySource[rel.Source] = append(bySource[rel.Source], rel)
		byTarget[rel.Target] = append(byTarget[rel.Target], rel)
	}
	if err := detectCascadeCycle(bySource); err != nil {
		return err
	}

	views := make(map[string]*View, len(defs.Views))
	for _, v := range defs.Views {
		if entities[v.Entity] == nil {
			return fmt.Errorf("view %s: unknown entity %s", v.Name, v.Entity)
		}
		views[v.Entity+"/"+v.Name] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = entities
	r.relationsBySource = bySource
	r.relationsByTarget = byTarget
	r.relationsByName = byName
	r.permissions = defs.Permissions
	r.views = views
	return nil
}

func validateEntity(e *Entity) error {
	if !identPattern.MatchString(e.Name) {
		return fmt.Errorf("invalid entity name %q", e.Name)
	}
	if e.Table != "" && !identPattern.MatchString(e.Table) {
		return fmt.Errorf("entity %s: invalid table name %q", e.Name, e.Table)
	}
	seen := make(map[string]bool, len(e.Fields))
	for _, f := range e.Fields {
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("entity %s: invalid field name %q", e.Name, f.Name)
		}
		if IsSystemField(f.Name) {
			return fmt.Errorf("entity %s: field %s is reserved", e.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("entity %s: duplicate field %s", e.Name, f.Name)
		}
		seen[f.Name] = true
		if !knownTypes[f.Type] {
			return fmt.Errorf("entity %s: field %s has unknown type %q", e.Name, f.Name, f.Type)
		}
	}
	return nil
}

func validateRelation(rel *Relation, entities map[string]*Entity) error {
	if entities[rel.Source] == nil {
		return fmt.Errorf("relation %s: unknown source entity %s", rel.Name, rel.Source)
	}
	target := entities[rel.Target]
	if target == nil {
		return fmt.Errorf("relation %s: unknown target entity %s", rel.Name, rel.Target)
	}
	fk := target.GetField(rel.TargetKey)
	if fk == nil || fk.IsSystem() {
		return fmt.Errorf("relation %s: %s has no field %s", rel.Name, rel.Target, rel.TargetKey)
	}
	switch rel.Policy() {
	case OnDeleteCascade, OnDeleteRestrict:
	case OnDeleteSetNull:
		if fk.Required {
			return fmt.Errorf("relation %s: set_null on required field %s.%s", rel.Name, rel.Target, rel.TargetKey)
		}
	default:
		return fmt.Errorf("relation %s: unknown on_delete policy %q", rel.Name, rel.OnDelete)
	}
	return nil
}

// detectCascadeCycle rejects configurations where following cascade edges
// from some entity leads back to it.
func detectCascadeCycle(bySource map[string][]*Relation) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		path = append(path, name)
		for _, rel := range bySource[name] {
			if rel.Policy() != OnDeleteCascade {
				continue
			}
			switch state[rel.Target] {
			case visiting:
				return fmt.Errorf("cyclic cascade: %s -> %s", strings.Join(path, " -> "), rel.Target)
			case unvisited:
				if err := visit(rel.Target); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	sources := make([]string, 0, len(bySource))
	for name := range bySource {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	for _, name := range sources {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
