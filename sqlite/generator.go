// Package sqlite implements the backend seam for SQLite: it translates
// hydrated query plans into parameterized SQL and executes them over
// database/sql connections acquired from a bound handle.
package sqlite

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/substratedb/substrate/core/engine"
	"github.com/substratedb/substrate/core/lookup"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
)

// Generator is a model-aware SQL generator for SQLite.
type Generator struct {
	model *model.Model
}

// NewGenerator creates a generator for one model.
func NewGenerator(m *model.Model) (*Generator, error) {
	if m == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if m.Table == "" {
		return nil, fmt.Errorf("model must define a table name")
	}
	return &Generator{model: m}, nil
}

// quoteIdentifier properly quotes an identifier for SQLite.
func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// columnSQL returns the table-qualified, quoted accessor for a field,
// validating it against the model.
func (g *Generator) columnSQL(field string) (string, error) {
	if _, ok := g.model.Field(field); !ok {
		return "", fmt.Errorf("field '%s' not found on model '%s'", field, g.model.Table)
	}
	return quoteIdentifier(g.model.Table) + "." + quoteIdentifier(field), nil
}

// prepareValue converts a Go value to its SQLite storage form based on the
// field's declared type: booleans become 0/1, json fields are serialized,
// everything else passes through to the driver.
func (g *Generator) prepareValue(field string, value any) (any, error) {
	def, ok := g.model.Field(field)
	if !ok {
		return nil, fmt.Errorf("field '%s' not found on model '%s'", field, g.model.Table)
	}
	if value == nil {
		return nil, nil
	}

	switch def.Type {
	case model.FieldTypeBoolean:
		if b, isBool := value.(bool); isBool {
			if b {
				return 1, nil
			}
			return 0, nil
		}
		return nil, fmt.Errorf("expected boolean for field '%s', got %T", field, value)
	case model.FieldTypeJSON:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize field '%s' to JSON: %w", field, err)
		}
		return string(raw), nil
	default:
		return value, nil
	}
}

// globEscape neutralizes GLOB metacharacters in a literal match value.
func globEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			sb.WriteRune('[')
			sb.WriteRune(r)
			sb.WriteRune(']')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// likeEscape neutralizes LIKE metacharacters, paired with ESCAPE '\'.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// textOperand renders the operand of a pattern or case-folding operator. A
// nil operand would otherwise stringify to the literal "<nil>"; NULL matching
// belongs to isnull, so nil is rejected here.
func textOperand(field string, op lookup.Operator, value any) (string, error) {
	if value == nil {
		return "", fmt.Errorf("operator '%s' on field '%s' requires a non-nil text value", op, field)
	}
	return fmt.Sprintf("%v", value), nil
}

// normalizeSlice converts any slice value to []any. Non-slice values come
// back with ok=false.
func normalizeSlice(value any) ([]any, bool) {
	if vals, ok := value.([]any); ok {
		return vals, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	vals := make([]any, rv.Len())
	for i := range vals {
		vals[i] = rv.Index(i).Interface()
	}
	return vals, true
}

// buildCondition translates one predicate into a SQL fragment, appending its
// parameters. Case-sensitive substring operators use GLOB because SQLite's
// LIKE is case-insensitive for ASCII; the insensitive variants use LIKE with
// escaped metacharacters.
func (g *Generator) buildCondition(p query.Predicate, params *[]any) (string, error) {
	accessor, err := g.columnSQL(p.Field)
	if err != nil {
		return "", err
	}

	switch p.Operator {
	case lookup.OperatorExact:
		if p.Value == nil {
			return fmt.Sprintf("%s IS NULL", accessor), nil
		}
		prepared, err := g.prepareValue(p.Field, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, prepared)
		return fmt.Sprintf("%s = ?", accessor), nil
	case lookup.OperatorIExact:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, text)
		return fmt.Sprintf("%s = ? COLLATE NOCASE", accessor), nil
	case lookup.OperatorContains:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, "*"+globEscape(text)+"*")
		return fmt.Sprintf("%s GLOB ?", accessor), nil
	case lookup.OperatorIContains:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, "%"+likeEscape(text)+"%")
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, accessor), nil
	case lookup.OperatorStartsWith:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, globEscape(text)+"*")
		return fmt.Sprintf("%s GLOB ?", accessor), nil
	case lookup.OperatorIStartsWith:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, likeEscape(text)+"%")
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, accessor), nil
	case lookup.OperatorEndsWith:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, "*"+globEscape(text))
		return fmt.Sprintf("%s GLOB ?", accessor), nil
	case lookup.OperatorIEndsWith:
		text, err := textOperand(p.Field, p.Operator, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, "%"+likeEscape(text))
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, accessor), nil
	case lookup.OperatorGt, lookup.OperatorGte, lookup.OperatorLt, lookup.OperatorLte:
		prepared, err := g.prepareValue(p.Field, p.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, prepared)
		ops := map[lookup.Operator]string{
			lookup.OperatorGt:  ">",
			lookup.OperatorGte: ">=",
			lookup.OperatorLt:  "<",
			lookup.OperatorLte: "<=",
		}
		return fmt.Sprintf("%s %s ?", accessor, ops[p.Operator]), nil
	case lookup.OperatorIn:
		vals, ok := normalizeSlice(p.Value)
		if !ok {
			return "", fmt.Errorf("operator 'in' on field '%s' requires a slice value, got %T", p.Field, p.Value)
		}
		// Membership in the empty set matches zero rows, never all rows.
		if len(vals) == 0 {
			return "1=0", nil
		}
		placeholders := strings.Repeat("?,", len(vals)-1) + "?"
		for _, v := range vals {
			prepared, err := g.prepareValue(p.Field, v)
			if err != nil {
				return "", err
			}
			*params = append(*params, prepared)
		}
		return fmt.Sprintf("%s IN (%s)", accessor, placeholders), nil
	case lookup.OperatorIsNull:
		absent, ok := p.Value.(bool)
		if !ok {
			return "", fmt.Errorf("operator 'isnull' on field '%s' requires a boolean value, got %T", p.Field, p.Value)
		}
		if absent {
			return fmt.Sprintf("%s IS NULL", accessor), nil
		}
		return fmt.Sprintf("%s IS NOT NULL", accessor), nil
	case lookup.OperatorRange:
		bounds, ok := normalizeSlice(p.Value)
		if !ok || len(bounds) != 2 {
			return "", fmt.Errorf("operator 'range' on field '%s' requires a two-element slice", p.Field)
		}
		low, err := g.prepareValue(p.Field, bounds[0])
		if err != nil {
			return "", err
		}
		high, err := g.prepareValue(p.Field, bounds[1])
		if err != nil {
			return "", err
		}
		*params = append(*params, low, high)
		// BETWEEN is inclusive on both ends.
		return fmt.Sprintf("%s BETWEEN ? AND ?", accessor), nil
	default:
		return "", fmt.Errorf("unsupported operator for SQL generation: %s", p.Operator)
	}
}

// buildWhere renders the predicate groups as the WHERE clause body. Groups
// combine with AND; a negated group renders NOT around its conjunction.
func (g *Generator) buildWhere(groups []query.PredicateGroup, params *[]any) (string, error) {
	var clauses []string
	for _, group := range groups {
		if len(group.Predicates) == 0 {
			continue
		}
		var parts []string
		for _, p := range group.Predicates {
			part, err := g.buildCondition(p, params)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		clause := strings.Join(parts, " AND ")
		if group.Negated {
			clause = "NOT (" + clause + ")"
		} else if len(parts) > 1 {
			clause = "(" + clause + ")"
		}
		clauses = append(clauses, clause)
	}
	return strings.Join(clauses, " AND "), nil
}

// sortedFieldNames returns a model's field names in a stable order.
func sortedFieldNames(m *model.Model) []string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// selectColumns renders the projected columns. Joined relationships select
// every related column aliased "<rel>__<column>".
func (g *Generator) selectColumns(plan *engine.SelectPlan) ([]string, error) {
	var columns []string
	if len(plan.Fields) > 0 {
		for _, field := range plan.Fields {
			accessor, err := g.columnSQL(field)
			if err != nil {
				return nil, fmt.Errorf("projection error: %w", err)
			}
			columns = append(columns, fmt.Sprintf("%s AS %s", accessor, quoteIdentifier(field)))
		}
	} else if len(plan.Joins) > 0 {
		for _, field := range sortedFieldNames(g.model) {
			accessor, _ := g.columnSQL(field)
			columns = append(columns, fmt.Sprintf("%s AS %s", accessor, quoteIdentifier(field)))
		}
	} else {
		columns = append(columns, "*")
	}

	for _, join := range plan.Joins {
		relTable := quoteIdentifier(join.Model.Table)
		for _, field := range sortedFieldNames(join.Model) {
			alias := quoteIdentifier(join.Name + "__" + field)
			columns = append(columns, fmt.Sprintf("%s.%s AS %s", relTable, quoteIdentifier(field), alias))
		}
	}
	return columns, nil
}

// joinClauses renders LEFT JOINs for the join-folded relationships.
func (g *Generator) joinClauses(plan *engine.SelectPlan) ([]string, error) {
	var clauses []string
	for _, join := range plan.Joins {
		local, err := g.columnSQL(join.LocalField)
		if err != nil {
			return nil, fmt.Errorf("join error: %w", err)
		}
		if _, ok := join.Model.Field(join.ForeignField); !ok {
			return nil, fmt.Errorf("join error: field '%s' not found on model '%s'", join.ForeignField, join.Model.Table)
		}
		relTable := quoteIdentifier(join.Model.Table)
		clauses = append(clauses, fmt.Sprintf("LEFT JOIN %s ON %s.%s = %s",
			relTable, relTable, quoteIdentifier(join.ForeignField), local))
	}
	return clauses, nil
}

// selectBody renders the FROM/JOIN/WHERE/ORDER/LIMIT portion shared by the
// select, count and exists statements.
func (g *Generator) selectBody(plan *engine.SelectPlan, params *[]any, withOrder bool) (string, error) {
	var sb strings.Builder
	sb.WriteString("FROM " + quoteIdentifier(g.model.Table))

	joins, err := g.joinClauses(plan)
	if err != nil {
		return "", err
	}
	for _, clause := range joins {
		sb.WriteString(" " + clause)
	}

	where, err := g.buildWhere(plan.Groups, params)
	if err != nil {
		return "", fmt.Errorf("error building WHERE clause: %w", err)
	}
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}

	if withOrder && len(plan.Sort) > 0 {
		var orderBy []string
		for _, key := range plan.Sort {
			accessor, err := g.columnSQL(key.Field)
			if err != nil {
				return "", fmt.Errorf("sort error: %w", err)
			}
			orderBy = append(orderBy, fmt.Sprintf("%s %s", accessor, strings.ToUpper(string(key.Direction))))
		}
		sb.WriteString(" ORDER BY " + strings.Join(orderBy, ", "))
	}

	if plan.Limit != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", *plan.Limit))
	}
	if plan.Offset != nil && *plan.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", *plan.Offset))
	}
	return sb.String(), nil
}

// SelectSQL creates a complete SELECT statement and its parameters from a
// hydrated plan.
func (g *Generator) SelectSQL(plan *engine.SelectPlan) (string, []any, error) {
	if plan == nil {
		return "", nil, fmt.Errorf("select plan cannot be nil")
	}
	columns, err := g.selectColumns(plan)
	if err != nil {
		return "", nil, err
	}
	var params []any
	body, err := g.selectBody(plan, &params, true)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT %s %s;", strings.Join(columns, ", "), body), params, nil
}

// CountSQL creates a COUNT statement. A plan carrying limit or offset counts
// the bounded slice via a subquery.
func (g *Generator) CountSQL(plan *engine.SelectPlan) (string, []any, error) {
	var params []any
	if plan.Limit != nil || (plan.Offset != nil && *plan.Offset > 0) {
		inner, innerParams, err := g.SelectSQL(plan)
		if err != nil {
			return "", nil, err
		}
		inner = strings.TrimSuffix(inner, ";")
		return fmt.Sprintf("SELECT COUNT(*) FROM (%s);", inner), innerParams, nil
	}
	body, err := g.selectBody(plan, &params, false)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT COUNT(*) %s;", body), params, nil
}

// ExistsSQL creates an existence probe that stops at the first matching row.
func (g *Generator) ExistsSQL(plan *engine.SelectPlan) (string, []any, error) {
	var params []any
	probe := *plan
	one := 1
	probe.Limit = &one
	probe.Offset = nil
	body, err := g.selectBody(&probe, &params, false)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT EXISTS(SELECT 1 %s);", body), params, nil
}

// AggregateSQL creates a single-row aggregation statement.
func (g *Generator) AggregateSQL(plan *engine.SelectPlan, aggs []engine.Aggregate) (string, []any, error) {
	if len(aggs) == 0 {
		return "", nil, fmt.Errorf("no aggregate expressions provided")
	}
	fns := map[engine.AggregateType]string{
		engine.AggregateCount: "COUNT",
		engine.AggregateSum:   "SUM",
		engine.AggregateAvg:   "AVG",
		engine.AggregateMin:   "MIN",
		engine.AggregateMax:   "MAX",
	}
	var columns []string
	for _, agg := range aggs {
		fn, ok := fns[agg.Type]
		if !ok {
			return "", nil, fmt.Errorf("unsupported aggregate type: %s", agg.Type)
		}
		target := "*"
		if agg.Field != "" {
			accessor, err := g.columnSQL(agg.Field)
			if err != nil {
				return "", nil, fmt.Errorf("aggregate error: %w", err)
			}
			target = accessor
		} else if agg.Type != engine.AggregateCount {
			return "", nil, fmt.Errorf("aggregate '%s' requires a field", agg.Alias)
		}
		columns = append(columns, fmt.Sprintf("%s(%s) AS %s", fn, target, quoteIdentifier(agg.Alias)))
	}

	var params []any
	body, err := g.selectBody(plan, &params, false)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT %s %s;", strings.Join(columns, ", "), body), params, nil
}

// InsertSQL creates an INSERT over the union of the records' fields, with a
// RETURNING clause for atomic retrieval of the persisted rows. Requires
// SQLite 3.35.0+.
func (g *Generator) InsertSQL(records []model.Record) (string, []any, error) {
	if len(records) == 0 {
		return "", nil, fmt.Errorf("no records provided for insert")
	}

	fieldSet := make(map[string]struct{})
	for _, record := range records {
		for field := range record {
			if _, ok := g.model.Field(field); !ok {
				return "", nil, fmt.Errorf("field '%s' not found on model '%s'", field, g.model.Table)
			}
			fieldSet[field] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for field := range fieldSet {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("no valid fields found in records")
	}

	quoted := make([]string, len(fields))
	for i, field := range fields {
		quoted[i] = quoteIdentifier(field)
	}

	var rows []string
	var params []any
	for _, record := range records {
		placeholders := make([]string, len(fields))
		for i, field := range fields {
			prepared, err := g.prepareValue(field, record[field])
			if err != nil {
				return "", nil, err
			}
			placeholders[i] = "?"
			params = append(params, prepared)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING *;",
		quoteIdentifier(g.model.Table), strings.Join(quoted, ", "), strings.Join(rows, ", "))
	return sql, params, nil
}

// UpdateSQL creates an UPDATE from the field changes and predicate groups.
func (g *Generator) UpdateSQL(changes model.Record, groups []query.PredicateGroup) (string, []any, error) {
	if len(changes) == 0 {
		return "", nil, fmt.Errorf("no fields provided for update")
	}

	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var setClauses []string
	var params []any
	for _, field := range fields {
		if _, ok := g.model.Field(field); !ok {
			return "", nil, fmt.Errorf("field '%s' not found on model '%s'", field, g.model.Table)
		}
		prepared, err := g.prepareValue(field, changes[field])
		if err != nil {
			return "", nil, err
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", quoteIdentifier(field)))
		params = append(params, prepared)
	}

	where, err := g.buildWhere(groups, &params)
	if err != nil {
		return "", nil, fmt.Errorf("error building WHERE clause for update: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("UPDATE %s SET %s", quoteIdentifier(g.model.Table), strings.Join(setClauses, ", ")))
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	return sb.String() + ";", params, nil
}

// DeleteSQL creates a DELETE from the predicate groups. An empty predicate
// set deletes every row; that is what an unfiltered, unscoped chain says.
func (g *Generator) DeleteSQL(groups []query.PredicateGroup) (string, []any, error) {
	var params []any
	where, err := g.buildWhere(groups, &params)
	if err != nil {
		return "", nil, fmt.Errorf("error building WHERE clause for delete: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM " + quoteIdentifier(g.model.Table))
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	return sb.String() + ";", params, nil
}
