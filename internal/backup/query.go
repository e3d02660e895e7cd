package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// queryEnv is what a --where expression sees for one record.
type queryEnv struct {
	ID             string    `expr:"id"`
	DeploymentName string    `expr:"deployment_name"`
	Domain         string    `expr:"domain"`
	Kind           string    `expr:"kind"`
	SizeBytes      int       `expr:"size_bytes"`
	AgeDays        float64   `expr:"age_days"`
	CreatedAt      time.Time `expr:"created_at"`
	Description    string    `expr:"description"`
}

func newQueryEnv(r Record, now time.Time) queryEnv {
	return queryEnv{
		ID:             r.ID,
		DeploymentName: r.DeploymentName,
		Domain:         r.Domain,
		Kind:           string(r.Kind),
		SizeBytes:      int(r.SizeBytes),
		AgeDays:        now.Sub(r.CreatedAt).Hours() / 24,
		CreatedAt:      r.CreatedAt,
		Description:    r.DescriptionText(),
	}
}

// Query is a compiled record filter such as
//
//	kind == "Website" && size_bytes > 1024 && age_days < 7
type Query struct {
	source  string
	program *vm.Program
}

// CompileQuery compiles expression. An empty expression matches everything.
func CompileQuery(expression string) (*Query, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Query{}, nil
	}
	program, err := expr.Compile(expression, expr.Env(queryEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid query '%s': %v", expression, err)
	}
	return &Query{source: expression, program: program}, nil
}

// Match evaluates the query for r, with ages measured from now.
func (q *Query) Match(r Record, now time.Time) (bool, error) {
	if q.program == nil {
		return true, nil
	}
	out, err := expr.Run(q.program, newQueryEnv(r, now))
	if err != nil {
		return false, fmt.Errorf("evaluating '%s' for %s: %v", q.source, r.ID, err)
	}
	return out.(bool), nil
}

// Select returns the records matching q, preserving order.
func (q *Query) Select(records []Record, now time.Time) ([]Record, error) {
	if q.program == nil {
		return records, nil
	}
	var selected []Record
	for _, r := range records {
		ok, err := q.Match(r, now)
		if err != nil {
			return nil, err
		}
		if ok {
			selected = append(selected, r)
		}
	}
	return selected, nil
}
