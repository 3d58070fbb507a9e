package pgx

import (
	"fmt"
	"reflect"
	"strings"
)

// projection maps filter field names to qualified columns.
type projection struct {
	table      string
	alias      string
	columns    map[string]string
	columnList []string
}

func newProjection(table, alias string) *projection {
	return &projection{table: table, alias: alias, columns: map[string]string{}}
}

func (p *projection) project(column, field string) *projection {
	qualified := fmt.Sprintf("%s.%s", p.alias, column)
	p.columns[field] = qualified
	p.columnList = append(p.columnList, qualified)
	return p
}

// Column returns the qualified column for a field, or the input if not
// mapped.
func (p *projection) Column(field string) string {
	if col, ok := p.columns[field]; ok {
		return col
	}
	return field
}

func (p *projection) Columns() string {
	return strings.Join(p.columnList, ", ")
}

func (p *projection) From() string {
	return fmt.Sprintf("%s %s", p.table, p.alias)
}

type condition struct {
	clause string
	args   []any
}

type sortField struct {
	field      string
	descending bool
}

// builder assembles SELECT, UPDATE and DELETE statements with numbered
// placeholders. Clauses use "$%d" where an argument goes.
type builder struct {
	projection *projection
	conditions []condition
	order      []sortField
	limit      int
	offset     int
}

func newBuilder(p *projection, order ...sortField) *builder {
	return &builder{projection: p, order: order}
}

// whereEquals adds an equality condition. No-op for nil values and empty
// strings.
func (b *builder) whereEquals(field string, value any) *builder {
	if isNil(value) || isEmptyString(value) {
		return b
	}
	b.conditions = append(b.conditions, condition{
		clause: fmt.Sprintf("%s = $%%d", b.projection.Column(field)),
		args:   []any{value},
	})
	return b
}

// whereAny matches any of values. No-op for an empty slice.
func (b *builder) whereAny(field string, values []string) *builder {
	if len(values) == 0 {
		return b
	}
	b.conditions = append(b.conditions, condition{
		clause: fmt.Sprintf("%s = ANY($%%d)", b.projection.Column(field)),
		args:   []any{values},
	})
	return b
}

func (b *builder) whereAfter(field string, value any) *builder {
	if isNil(value) {
		return b
	}
	b.conditions = append(b.conditions, condition{
		clause: fmt.Sprintf("%s > $%%d", b.projection.Column(field)),
		args:   []any{value},
	})
	return b
}

// where adds a raw clause.
func (b *builder) where(clause string, args ...any) *builder {
	b.conditions = append(b.conditions, condition{clause: clause, args: args})
	return b
}

func (b *builder) page(limit, offset int) *builder {
	b.limit, b.offset = limit, offset
	return b
}

func (b *builder) buildSelect() (string, []any) {
	where, args, _ := b.buildWhere(1)
	sql := fmt.Sprintf("SELECT %s FROM %s%s%s", b.projection.Columns(), b.projection.From(), where, b.buildOrderBy())
	if b.limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", b.limit)
	}
	if b.offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", b.offset)
	}
	return sql, args
}

func (b *builder) buildCount() (string, []any) {
	where, args, _ := b.buildWhere(1)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", b.projection.From(), where), args
}

// buildIDs selects the id column of matching rows.
func (b *builder) buildIDs(idField string) (string, []any) {
	where, args, _ := b.buildWhere(1)
	return fmt.Sprintf("SELECT %s FROM %s%s%s", b.projection.Column(idField), b.projection.From(), where, b.buildOrderBy()), args
}

func (b *builder) buildOrderBy() string {
	if len(b.order) == 0 {
		return ""
	}
	parts := make([]string, len(b.order))
	for i, f := range b.order {
		dir := "ASC"
		if f.descending {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s", b.projection.Column(f.field), dir)
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func (b *builder) buildWhere(startParam int) (string, []any, int) {
	if len(b.conditions) == 0 {
		return "", nil, startParam
	}
	clauses := make([]string, 0, len(b.conditions))
	args := make([]any, 0)
	paramIdx := startParam
	for _, cond := range b.conditions {
		clause := cond.clause
		for _, arg := range cond.args {
			clause = strings.Replace(clause, "$%d", fmt.Sprintf("$%d", paramIdx), 1)
			args = append(args, arg)
			paramIdx++
		}
		clauses = append(clauses, clause)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, paramIdx
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func isEmptyString(value any) bool {
	v := reflect.ValueOf(value)
	return v.Kind() == reflect.String && v.Len() == 0
}
