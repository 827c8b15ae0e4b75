// Package policyguard evaluates generated trust policies against rego rules
// before they are applied.
package policyguard

import (
	"context"
	_ "embed"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/open-policy-agent/opa/rego"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

const query = "data.cloudbootstrap.trust.findings"

//go:embed policy/trust.rego
var trustModule string

// Guard is a prepared rego query. Extra modules add rules to the
// cloudbootstrap.trust package.
type Guard struct {
	query rego.PreparedEvalQuery
}

var _ bootstrap.Guard = (*Guard)(nil)

type options struct {
	paths []string
}

// Option configures the Guard.
type Option func(*options)

// WithModules loads extra rego files or directories.
func WithModules(paths ...string) Option {
	return func(o *options) {
		o.paths = append(o.paths, paths...)
	}
}

// New compiles the embedded rules plus any extra modules.
func New(ctx context.Context, opts ...Option) (*Guard, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	args := []func(*rego.Rego){
		rego.Query(query),
		rego.Module("trust.rego", trustModule),
		rego.StrictBuiltinErrors(true),
	}
	if len(o.paths) > 0 {
		args = append(args, rego.Load(o.paths, nil))
	}
	prepared, err := rego.New(args...).PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile trust policy rules")
	}
	return &Guard{query: prepared}, nil
}

// Evaluate implements bootstrap.Guard.
func (g *Guard) Evaluate(ctx context.Context, in bootstrap.GuardInput) ([]bootstrap.Finding, error) {
	input, err := toValue(in)
	if err != nil {
		return nil, err
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, errors.Wrap(err, "evaluate trust policy rules")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	findings, err := decodeFindings(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// toValue converts in to the JSON shape the rules see.
func toValue(in bootstrap.GuardInput) (interface{}, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "marshal guard input")
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, errors.Wrap(err, "unmarshal guard input")
	}
	return v, nil
}

func decodeFindings(value interface{}) ([]bootstrap.Finding, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rule result")
	}
	var findings []bootstrap.Finding
	if err := json.Unmarshal(b, &findings); err != nil {
		return nil, errors.Wrap(err, "decode rule result")
	}
	for i := range findings {
		if findings[i].Severity != bootstrap.SeverityWarn {
			findings[i].Severity = bootstrap.SeverityDeny
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Code == findings[j].Code {
			return findings[i].Message < findings[j].Message
		}
		return findings[i].Code < findings[j].Code
	})
	return findings, nil
}
