package sqlite

import (
	"fmt"
	"strings"
)

type Where struct {
	keys []string
	vals []interface{}
}

func NewWhere() *Where {
	return &Where{
		keys: make([]string, 0),
		vals: make([]interface{}, 0),
	}
}

// Add adds `k = v`.
func (w *Where) Add(k string, v interface{}) {
	w.keys = append(w.keys, fmt.Sprintf("%v = ?", k))
	w.vals = append(w.vals, v)
}

// AddIn adds `k IN (vs...)`. It does nothing when vs is empty.
func (w *Where) AddIn(k string, vs ...interface{}) {
	if len(vs) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(vs)), ", ")
	w.keys = append(w.keys, fmt.Sprintf("%v IN (%v)", k, marks))
	w.vals = append(w.vals, vs...)
}

// AddExpr adds a raw expression with its placeholders' values.
func (w *Where) AddExpr(expr string, vs ...interface{}) {
	w.keys = append(w.keys, expr)
	w.vals = append(w.vals, vs...)
}

func (w *Where) Stmt() string {
	if len(w.keys) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.keys, " AND ")
}

func (w *Where) Vals() []interface{} {
	return w.vals
}
