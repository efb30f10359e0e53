package query

import (
	"sort"
	"strings"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

// Result is one query result row.
type Result struct {
	// ID is the document id.
	ID string

	// Properties is the document body.
	Properties map[string]any
}

// Query is a filter over one collection. Build it with New, refine it with
// OrderBy/Limit, then Execute.
type Query struct {
	col   *db.Collection
	expr  *Expression
	order []ordering
	limit int
	skip  int

	// err holds the first builder error (a bad OrderBy path), reported by
	// Execute since the builder methods do not return errors.
	err error
}

type ordering struct {
	path       []string
	descending bool
}

// New builds a query over the collection. An empty where expression matches
// every document.
func New(col *db.Collection, where string) (*Query, error) {
	q := &Query{col: col}
	if strings.TrimSpace(where) != "" {
		expr, err := Parse(where)
		if err != nil {
			return nil, err
		}
		q.expr = expr
	}
	return q, nil
}

// OrderBy sorts results by a property path ("address.city"). Repeated calls
// add secondary sort keys. An invalid path fails the query at Execute.
func (q *Query) OrderBy(path string, descending bool) *Query {
	segs, err := parsePath("orderBy", path)
	if err != nil {
		if q.err == nil {
			q.err = err
		}
		return q
	}
	q.order = append(q.order, ordering{segs, descending})
	return q
}

// Limit caps the number of results. offset skips leading rows.
func (q *Query) Limit(n, offset int) *Query {
	q.limit = n
	q.skip = offset
	return q
}

// Execute runs the query. On plain databases the filter runs as SQL over
// json_extract; on encrypted databases every document is decrypted and the
// expression is evaluated in process.
func (q *Query) Execute() ([]Result, error) {
	if q.err != nil {
		return nil, q.err
	}
	var where string
	var args []any
	if q.expr != nil {
		c := q.expr.compileSQL()
		where, args = c.sql, c.args
	}

	var orderSQL []string
	for _, o := range q.order {
		dir := " ASC"
		if o.descending {
			dir = " DESC"
		}
		orderSQL = append(orderSQL, pathSQL(o.path)+dir)
	}

	rows, err := q.col.RunQuery(where, args, strings.Join(orderSQL, ", "), q.limit, q.skip)
	if err == nil {
		return toResults(rows), nil
	}
	if !errors.Is(err, errors.ErrUnsupported) {
		return nil, err
	}

	logging.Verbose(logging.DomainQuery, "falling back to in-process evaluation for %s",
		q.col.FullName())
	return q.executeLocal()
}

// executeLocal scans and filters documents in process.
func (q *Query) executeLocal() ([]Result, error) {
	rows, err := q.col.AllDocuments()
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, r := range rows {
		if q.expr != nil && !q.expr.Eval(r.Properties) {
			continue
		}
		out = append(out, Result{ID: r.ID, Properties: r.Properties})
	}

	if len(q.order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.order {
				a := lookupPath(out[i].Properties, o.path)
				b := lookupPath(out[j].Properties, o.path)
				c := compareValues(a, b)
				if c == 0 {
					continue
				}
				if o.descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.skip > 0 {
		if q.skip >= len(out) {
			return nil, nil
		}
		out = out[q.skip:]
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

func toResults(rows []db.QueryRow) []Result {
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, Result{ID: r.ID, Properties: r.Properties})
	}
	return out
}

// compareValues orders nulls < numbers < strings, mirroring SQLite's type
// ordering closely enough for sorting.
func compareValues(a, b any) int {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case aok && bok:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aok:
		return -1
	case bok:
		return 1
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}
