package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratedb/substrate/core/engine"
	"github.com/substratedb/substrate/core/lookup"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
)

func userModel() *model.Model {
	return &model.Model{
		Table:      "users",
		PrimaryKey: "id",
		Fields: map[string]model.Field{
			"id":       {Name: "id", Type: model.FieldTypeInteger},
			"name":     {Name: "name", Type: model.FieldTypeString},
			"age":      {Name: "age", Type: model.FieldTypeInteger},
			"active":   {Name: "active", Type: model.FieldTypeBoolean},
			"profile":  {Name: "profile", Type: model.FieldTypeJSON},
			"group_id": {Name: "group_id", Type: model.FieldTypeInteger},
		},
	}
}

func groupModel() *model.Model {
	return &model.Model{
		Table:      "groups",
		PrimaryKey: "id",
		Fields: map[string]model.Field{
			"id":    {Name: "id", Type: model.FieldTypeInteger},
			"title": {Name: "title", Type: model.FieldTypeString},
		},
	}
}

func mustGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator(userModel())
	require.NoError(t, err)
	return g
}

func group(preds ...query.Predicate) query.PredicateGroup {
	return query.PredicateGroup{Predicates: preds}
}

func TestSelectSQL_Bare(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.SelectSQL(&engine.SelectPlan{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users";`, sql)
	assert.Empty(t, params)
}

func TestSelectSQL_FilterAndOrder(t *testing.T) {
	g := mustGenerator(t)
	limit, offset := 5, 10
	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "age", Operator: lookup.OperatorGte, Value: 30}),
		},
		Sort:   []query.SortKey{{Field: "id", Direction: query.SortAsc}},
		Limit:  &limit,
		Offset: &offset,
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" WHERE "users"."age" >= ? ORDER BY "users"."id" ASC LIMIT 5 OFFSET 10;`, sql)
	assert.Equal(t, []any{30}, params)
}

func TestSelectSQL_MultipleGroupsIntersect(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "age", Operator: lookup.OperatorGte, Value: 21}),
			group(query.Predicate{Field: "name", Operator: lookup.OperatorExact, Value: "ada"}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" WHERE "users"."age" >= ? AND "users"."name" = ?;`, sql)
	assert.Equal(t, []any{21, "ada"}, params)
}

func TestSelectSQL_NegatedGroup(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			{
				Negated: true,
				Predicates: []query.Predicate{
					{Field: "age", Operator: lookup.OperatorLt, Value: 18},
					{Field: "name", Operator: lookup.OperatorExact, Value: "ada"},
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" WHERE NOT ("users"."age" < ? AND "users"."name" = ?);`, sql)
	assert.Equal(t, []any{18, "ada"}, params)
}

func TestSelectSQL_EmptyInMatchesNothing(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "id", Operator: lookup.OperatorIn, Value: []any{}}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" WHERE 1=0;`, sql)
	assert.Empty(t, params)
}

func TestSelectSQL_InWithTypedSlice(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "id", Operator: lookup.OperatorIn, Value: []int{1, 2, 3}}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" WHERE "users"."id" IN (?,?,?);`, sql)
	assert.Equal(t, []any{1, 2, 3}, params)
}

func TestSelectSQL_TextOperators(t *testing.T) {
	g := mustGenerator(t)
	tests := []struct {
		name     string
		operator lookup.Operator
		value    any
		fragment string
		param    any
	}{
		{"contains is case-sensitive via GLOB", lookup.OperatorContains, "Ada", `"users"."name" GLOB ?`, "*Ada*"},
		{"icontains via LIKE", lookup.OperatorIContains, "Ada", `"users"."name" LIKE ? ESCAPE '\'`, "%Ada%"},
		{"startswith", lookup.OperatorStartsWith, "Ada", `"users"."name" GLOB ?`, "Ada*"},
		{"istartswith", lookup.OperatorIStartsWith, "Ada", `"users"."name" LIKE ? ESCAPE '\'`, "Ada%"},
		{"endswith", lookup.OperatorEndsWith, "Ada", `"users"."name" GLOB ?`, "*Ada"},
		{"iendswith", lookup.OperatorIEndsWith, "Ada", `"users"."name" LIKE ? ESCAPE '\'`, "%Ada"},
		{"iexact", lookup.OperatorIExact, "Ada", `"users"."name" = ? COLLATE NOCASE`, "Ada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := g.SelectSQL(&engine.SelectPlan{
				Groups: []query.PredicateGroup{
					group(query.Predicate{Field: "name", Operator: tt.operator, Value: tt.value}),
				},
			})
			require.NoError(t, err)
			assert.Contains(t, sql, tt.fragment)
			require.Len(t, params, 1)
			assert.Equal(t, tt.param, params[0])
		})
	}
}

func TestSelectSQL_TextOperatorsRejectNil(t *testing.T) {
	g := mustGenerator(t)
	operators := []lookup.Operator{
		lookup.OperatorIExact,
		lookup.OperatorContains,
		lookup.OperatorIContains,
		lookup.OperatorStartsWith,
		lookup.OperatorIStartsWith,
		lookup.OperatorEndsWith,
		lookup.OperatorIEndsWith,
	}
	for _, op := range operators {
		t.Run(string(op), func(t *testing.T) {
			_, _, err := g.SelectSQL(&engine.SelectPlan{
				Groups: []query.PredicateGroup{
					group(query.Predicate{Field: "name", Operator: op, Value: nil}),
				},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "non-nil")
			// Nil must never leak into the pattern as the literal "<nil>".
			assert.NotContains(t, err.Error(), "<nil>")
		})
	}
}

func TestSelectSQL_PatternMetacharactersEscaped(t *testing.T) {
	g := mustGenerator(t)

	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorContains, Value: "a*b?c["}),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "GLOB")
	assert.Equal(t, []any{"*a[*]b[?]c[[]*"}, params)

	_, params, err = g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorIContains, Value: "50%_off"}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{`%50\%\_off%`}, params)
}

func TestSelectSQL_IsNullAndRange(t *testing.T) {
	g := mustGenerator(t)

	sql, _, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorIsNull, Value: true}),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `"users"."name" IS NULL`)

	sql, _, err = g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorIsNull, Value: false}),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `"users"."name" IS NOT NULL`)

	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "age", Operator: lookup.OperatorRange, Value: []any{18, 65}}),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `"users"."age" BETWEEN ? AND ?`)
	assert.Equal(t, []any{18, 65}, params)
}

func TestSelectSQL_ExactNilIsNull(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorExact, Value: nil}),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `"users"."name" IS NULL`)
	assert.Empty(t, params)
}

func TestSelectSQL_BooleanPreparation(t *testing.T) {
	g := mustGenerator(t)
	_, params, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "active", Operator: lookup.OperatorExact, Value: true}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, params)
}

func TestSelectSQL_UnknownFieldFails(t *testing.T) {
	g := mustGenerator(t)
	_, _, err := g.SelectSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "nope", Operator: lookup.OperatorExact, Value: 1}),
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestSelectSQL_Projection(t *testing.T) {
	g := mustGenerator(t)
	sql, _, err := g.SelectSQL(&engine.SelectPlan{Fields: []string{"id", "name"}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "users"."id" AS "id", "users"."name" AS "name" FROM "users";`, sql)
}

func TestSelectSQL_JoinFold(t *testing.T) {
	g := mustGenerator(t)
	sql, _, err := g.SelectSQL(&engine.SelectPlan{
		Joins: []engine.Join{{
			Name:         "group",
			Model:        groupModel(),
			LocalField:   "group_id",
			ForeignField: "id",
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `LEFT JOIN "groups" ON "groups"."id" = "users"."group_id"`)
	assert.Contains(t, sql, `"groups"."title" AS "group__title"`)
	assert.Contains(t, sql, `"groups"."id" AS "group__id"`)
	// With a join the base columns are listed explicitly, never "*".
	assert.NotContains(t, sql, "SELECT *")
}

func TestCountSQL(t *testing.T) {
	g := mustGenerator(t)
	sql, _, err := g.CountSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "age", Operator: lookup.OperatorGte, Value: 18}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "users" WHERE "users"."age" >= ?;`, sql)
}

func TestCountSQL_BoundedSliceUsesSubquery(t *testing.T) {
	g := mustGenerator(t)
	limit := 5
	sql, _, err := g.CountSQL(&engine.SelectPlan{Limit: &limit})
	require.NoError(t, err)
	assert.Contains(t, sql, "SELECT COUNT(*) FROM (SELECT")
	assert.Contains(t, sql, "LIMIT 5")
}

func TestExistsSQL(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.ExistsSQL(&engine.SelectPlan{
		Groups: []query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorExact, Value: "ada"}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT EXISTS(SELECT 1 FROM "users" WHERE "users"."name" = ? LIMIT 1);`, sql)
	assert.Equal(t, []any{"ada"}, params)
}

func TestAggregateSQL(t *testing.T) {
	g := mustGenerator(t)
	sql, _, err := g.AggregateSQL(&engine.SelectPlan{}, []engine.Aggregate{
		engine.Count("id", "n"),
		engine.Sum("age", "total_age"),
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT("users"."id") AS "n", SUM("users"."age") AS "total_age" FROM "users";`, sql)
}

func TestInsertSQL(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.InsertSQL([]model.Record{
		{"name": "ada", "age": 36, "active": true},
	})
	require.NoError(t, err)
	// Fields render in sorted order.
	assert.Equal(t, `INSERT INTO "users" ("active", "age", "name") VALUES (?, ?, ?) RETURNING *;`, sql)
	assert.Equal(t, []any{1, 36, "ada"}, params)
}

func TestInsertSQL_UnknownFieldFails(t *testing.T) {
	g := mustGenerator(t)
	_, _, err := g.InsertSQL([]model.Record{{"nope": 1}})
	require.Error(t, err)
}

func TestUpdateSQL(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.UpdateSQL(
		model.Record{"age": 37},
		[]query.PredicateGroup{
			group(query.Predicate{Field: "name", Operator: lookup.OperatorExact, Value: "ada"}),
		},
	)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "users" SET "age" = ? WHERE "users"."name" = ?;`, sql)
	assert.Equal(t, []any{37, "ada"}, params)
}

func TestDeleteSQL(t *testing.T) {
	g := mustGenerator(t)
	sql, params, err := g.DeleteSQL([]query.PredicateGroup{
		group(query.Predicate{Field: "id", Operator: lookup.OperatorIn, Value: []any{1, 2}}),
	})
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "users"."id" IN (?,?);`, sql)
	assert.Equal(t, []any{1, 2}, params)
}
