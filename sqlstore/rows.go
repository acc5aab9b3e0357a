package sqlstore

import (
	"database/sql"
	"fmt"

	"github.com/nireo/raftsql/types"
)

// Row is a borrowed, in-flight view over one *sql.Rows cursor row. It is
// only valid while the cursor is positioned on it; callers who need the
// data to outlive the cursor call ToOwned.
type Row struct {
	columns []string
	values  []any
}

func scanRow(rows *sql.Rows) (*Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return &Row{columns: cols, values: dest}, nil
}

// Columns returns the column names in positional order.
func (r *Row) Columns() []string { return r.columns }

func (r *Row) indexOf(name string) int {
	for i, c := range r.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Get returns the typed value at the given column index.
func (r *Row) Get(idx int) types.Param { return toParam(r.values[idx]) }

// GetByName returns the typed value for the named column, if present.
func (r *Row) GetByName(name string) (types.Param, bool) {
	idx := r.indexOf(name)
	if idx < 0 {
		return types.Param{}, false
	}
	return r.Get(idx), true
}

// GetUnwrapInt returns the column as an integer, panicking loudly if the
// underlying value isn't one - this is the "get_unwrap" contract spec.md
// §4.2 describes for the borrowed row view.
func (r *Row) GetUnwrapInt(idx int) int64 {
	p := r.Get(idx)
	if p.Kind != types.ParamInteger {
		panic(fmt.Sprintf("column %d: expected integer, got kind %d", idx, p.Kind))
	}
	return p.Integer
}

// GetUnwrapText is the text analogue of GetUnwrapInt.
func (r *Row) GetUnwrapText(idx int) string {
	p := r.Get(idx)
	if p.Kind != types.ParamText {
		panic(fmt.Sprintf("column %d: expected text, got kind %d", idx, p.Kind))
	}
	return p.Text
}

// ToOwned materializes this row into a types.RowOwned that can cross
// component boundaries (stream responses, client results) after the
// cursor has moved on.
func (r *Row) ToOwned() types.RowOwned {
	values := make([]types.Param, len(r.values))
	for i, v := range r.values {
		values[i] = toParam(v)
	}
	return types.RowOwned{Columns: append([]string(nil), r.columns...), Values: values}
}

func toParam(v any) types.Param {
	switch x := v.(type) {
	case nil:
		return types.Param{Kind: types.ParamNull}
	case int64:
		return types.ParamFromInt(x)
	case float64:
		return types.ParamFromReal(x)
	case string:
		return types.ParamFromText(x)
	case []byte:
		return types.ParamFromBlob(x)
	default:
		return types.ParamFromText(fmt.Sprintf("%v", x))
	}
}
