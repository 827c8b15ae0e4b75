package bootstrap

import (
	"context"
	"fmt"
	"strings"
)

// Severity of a guard finding.
type Severity string

const (
	// SeverityDeny blocks the policy from being applied.
	SeverityDeny Severity = "deny"
	// SeverityWarn is logged and otherwise ignored.
	SeverityWarn Severity = "warn"
)

// GuardInput is what a guard sees for one role.
type GuardInput struct {
	Environment string          `json:"environment"`
	AccountID   string          `json:"account_id"`
	Tier        Tier            `json:"tier"`
	RoleName    string          `json:"role_name"`
	Repository  string          `json:"repository"`
	TrustModel  TrustModel      `json:"trust_model"`
	ProviderARN string          `json:"provider_arn"`
	Policy      *PolicyDocument `json:"policy"`
}

// Finding is one guard result.
type Finding struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// BuiltinGuard enforces the trust invariants that hold for every deployment:
// one principal kind per role, repository-scoped subjects, external tokens on
// non-federated trust, and the tier/model pairing.
type BuiltinGuard struct{}

// Evaluate implements Guard.
func (BuiltinGuard) Evaluate(_ context.Context, in GuardInput) ([]Finding, error) {
	if in.Policy == nil {
		return []Finding{{Code: "empty_policy", Message: "no trust policy", Severity: SeverityDeny}}, nil
	}
	var findings []Finding
	deny := func(code, format string, args ...interface{}) {
		findings = append(findings, Finding{Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityDeny})
	}

	kinds := map[string]bool{}
	for _, st := range in.Policy.Statement {
		if st.Effect != "Allow" {
			continue
		}
		for k, v := range st.Principal {
			kinds[k] = true
			for _, p := range stringValues(v) {
				if p == "*" {
					deny("wildcard_principal", "statement %q trusts any principal", st.Sid)
				}
			}
		}
		if _, ok := st.Principal["Federated"]; ok {
			checkFederated(in, st, deny)
		}
		if _, ok := st.Principal["AWS"]; ok {
			if len(statementExternalIDs(st)) == 0 {
				deny("missing_external_id", "statement %q trusts an AWS principal without an external token", st.Sid)
			}
		}
	}
	if len(kinds) > 1 {
		deny("mixed_trust", "role %s mixes %d principal kinds", in.RoleName, len(kinds))
	}
	if in.Tier == TierDeployment && in.TrustModel == TrustTiered && kinds["Federated"] {
		deny("bypass_path", "deployment role %s trusts the provider directly in the tiered model", in.RoleName)
	}
	if in.Tier == TierOrchestration && !kinds["Federated"] {
		deny("orchestration_not_federated", "orchestration role %s must be assumed through the provider", in.RoleName)
	}
	return findings, nil
}

func checkFederated(in GuardInput, st Statement, deny func(code, format string, args ...interface{})) {
	var aud, sub []string
	for _, cond := range st.Condition {
		for k, v := range cond {
			switch {
			case strings.HasSuffix(k, ":aud"):
				aud = append(aud, stringValues(v)...)
			case strings.HasSuffix(k, ":sub"):
				sub = append(sub, stringValues(v)...)
			}
		}
	}
	if len(aud) == 0 {
		deny("missing_audience", "statement %q accepts tokens for any audience", st.Sid)
	}
	if len(sub) == 0 {
		deny("missing_subject", "statement %q accepts tokens for any subject", st.Sid)
	}
	for _, s := range sub {
		if err := ValidateSubject(in.Repository, s); err != nil {
			deny("subject_scope", "%v", err)
		}
	}
}

// runGuards evaluates every guard and fails on the first deny finding.
func runGuards(ctx context.Context, guards []Guard, in GuardInput) ([]Finding, error) {
	var all []Finding
	for _, g := range guards {
		findings, err := g.Evaluate(ctx, in)
		if err != nil {
			return nil, NewError(KindInternal, "trust policy guard failed").WithCause(err).
				WithResource(KindRole, in.RoleName)
		}
		all = append(all, findings...)
	}
	var denied []string
	for _, f := range all {
		if f.Severity == SeverityDeny {
			denied = append(denied, f.Code+": "+f.Message)
		}
	}
	if len(denied) > 0 {
		return all, NewError(KindValidation, "trust policy rejected: "+strings.Join(denied, "; ")).
			WithResource(KindRole, in.RoleName)
	}
	return all, nil
}
