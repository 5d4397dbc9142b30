// Package model holds the registration-time description of an entity type:
// its table, fields, primary key, relationships, and the column layout of
// any behavioral scopes (soft delete, tenant isolation). A Model is supplied
// once by the owning collaborator and is immutable thereafter.
package model

import "fmt"

// FieldType enumerates the storage types the engine knows how to prepare and
// decode.
type FieldType string

// Supported field types.
const (
	FieldTypeString  FieldType = "string"
	FieldTypeInteger FieldType = "integer"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeTime    FieldType = "time"
	FieldTypeJSON    FieldType = "json"
)

// Field describes one column of an entity.
type Field struct {
	Name string
	Type FieldType
}

// RelationshipKind distinguishes to-one from to-many relationships.
type RelationshipKind string

// Supported relationship kinds.
const (
	RelationshipToOne  RelationshipKind = "to-one"
	RelationshipToMany RelationshipKind = "to-many"
)

// Relationship declares a link to another model. LocalField is the column on
// the owning model, ForeignField the column on the related model they are
// matched on.
type Relationship struct {
	Name         string
	Model        *Model
	LocalField   string
	ForeignField string
	Kind         RelationshipKind
}

// SoftDeleteSpec names the column holding the deletion marker. A row is live
// while the column is NULL.
type SoftDeleteSpec struct {
	Column string
}

// TenantSpec names the column holding the tenant key. When Mandatory is set
// the tenant scope cannot be bypassed implicitly: executing without a
// resolvable tenant fails rather than running unscoped.
type TenantSpec struct {
	Column    string
	Mandatory bool
}

// Record is one materialized row, keyed by column name.
type Record map[string]any

// Model is the registration-time description of an entity type.
type Model struct {
	Table         string
	PrimaryKey    string
	Fields        map[string]Field
	SoftDelete    *SoftDeleteSpec
	Tenant        *TenantSpec
	Relationships map[string]Relationship
}

// Field returns the definition of a named field.
func (m *Model) Field(name string) (Field, bool) {
	f, ok := m.Fields[name]
	return f, ok
}

// Relationship returns a declared relationship by name.
func (m *Model) Relationship(name string) (Relationship, bool) {
	r, ok := m.Relationships[name]
	return r, ok
}

// Validate checks the model for structural mistakes that would otherwise
// surface as confusing SQL errors at execution time.
func (m *Model) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("model must define a table name")
	}
	if m.PrimaryKey == "" {
		return fmt.Errorf("model '%s' must define a primary key", m.Table)
	}
	if _, ok := m.Fields[m.PrimaryKey]; !ok {
		return fmt.Errorf("model '%s': primary key '%s' not among fields", m.Table, m.PrimaryKey)
	}
	if m.SoftDelete != nil {
		if _, ok := m.Fields[m.SoftDelete.Column]; !ok {
			return fmt.Errorf("model '%s': soft-delete column '%s' not among fields", m.Table, m.SoftDelete.Column)
		}
	}
	if m.Tenant != nil {
		if _, ok := m.Fields[m.Tenant.Column]; !ok {
			return fmt.Errorf("model '%s': tenant column '%s' not among fields", m.Table, m.Tenant.Column)
		}
	}
	for name, rel := range m.Relationships {
		if rel.Model == nil {
			return fmt.Errorf("model '%s': relationship '%s' has no target model", m.Table, name)
		}
		if rel.LocalField == "" || rel.ForeignField == "" {
			return fmt.Errorf("model '%s': relationship '%s' must name local and foreign fields", m.Table, name)
		}
		if _, ok := m.Fields[rel.LocalField]; !ok {
			return fmt.Errorf("model '%s': relationship '%s' local field '%s' not among fields", m.Table, name, rel.LocalField)
		}
		if _, ok := rel.Model.Fields[rel.ForeignField]; !ok {
			return fmt.Errorf("model '%s': relationship '%s' foreign field '%s' not among target fields", m.Table, name, rel.ForeignField)
		}
	}
	return nil
}
