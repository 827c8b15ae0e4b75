package bootstrap

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// PrincipalKind names the variant of a trust principal.
type PrincipalKind string

const (
	PrincipalFederated   PrincipalKind = "federated-provider"
	PrincipalAccountRoot PrincipalKind = "account-root"
	PrincipalRoleARN     PrincipalKind = "role-arn"
)

// TrustPrincipal is the closed set of principals a role may trust. A role
// trusts exactly one principal, so a role cannot be reachable both directly
// from the provider and through the orchestration hop.
type TrustPrincipal interface {
	Kind() PrincipalKind
	sealed()
}

// TrustCondition scopes federated tokens to a workflow identity.
type TrustCondition struct {
	Audience       string `json:"audience"`
	SubjectPattern string `json:"subject_pattern"`
}

// FederatedProvider trusts tokens issued by a federated identity provider.
type FederatedProvider struct {
	ProviderARN string
	// Host is the issuer host and path, used as the condition key prefix.
	Host      string
	Condition TrustCondition
}

// AccountRoot trusts principals of an account that present the external token.
type AccountRoot struct {
	Partition  string
	AccountID  string
	ExternalID string
	RequireMFA bool
}

// RoleARN trusts one specific role that presents the external token.
type RoleARN struct {
	ARN        string
	ExternalID string
}

func (FederatedProvider) Kind() PrincipalKind { return PrincipalFederated }
func (AccountRoot) Kind() PrincipalKind       { return PrincipalAccountRoot }
func (RoleARN) Kind() PrincipalKind           { return PrincipalRoleARN }

func (FederatedProvider) sealed() {}
func (AccountRoot) sealed()       {}
func (RoleARN) sealed()           {}

// PolicyDocument is an IAM policy document.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is a single policy statement.
type Statement struct {
	Sid       string                            `json:"Sid,omitempty"`
	Effect    string                            `json:"Effect"`
	Principal map[string]interface{}            `json:"Principal,omitempty"`
	Action    interface{}                       `json:"Action"`
	Resource  interface{}                       `json:"Resource,omitempty"`
	Condition map[string]map[string]interface{} `json:"Condition,omitempty"`
}

const policyVersion = "2012-10-17"

// TrustDocument builds the canonical trust-policy document for p.
func TrustDocument(p TrustPrincipal) (*PolicyDocument, error) {
	var st Statement
	switch v := p.(type) {
	case FederatedProvider:
		if v.ProviderARN == "" || v.Host == "" {
			return nil, ErrValidation("federated trust requires a provider ARN and issuer host")
		}
		if v.Condition.Audience == "" || v.Condition.SubjectPattern == "" {
			return nil, ErrValidation("federated trust requires an audience and subject pattern")
		}
		subjectOp := "StringEquals"
		if strings.ContainsAny(v.Condition.SubjectPattern, "*?") {
			subjectOp = "StringLike"
		}
		cond := map[string]map[string]interface{}{
			"StringEquals": {v.Host + ":aud": v.Condition.Audience},
		}
		if subjectOp == "StringEquals" {
			cond["StringEquals"][v.Host+":sub"] = v.Condition.SubjectPattern
		} else {
			cond[subjectOp] = map[string]interface{}{v.Host + ":sub": v.Condition.SubjectPattern}
		}
		st = Statement{
			Sid:       "FederatedWorkflow",
			Effect:    "Allow",
			Principal: map[string]interface{}{"Federated": v.ProviderARN},
			Action:    "sts:AssumeRoleWithWebIdentity",
			Condition: cond,
		}
	case AccountRoot:
		if v.AccountID == "" {
			return nil, ErrValidation("account-root trust requires an account ID")
		}
		if v.ExternalID == "" {
			return nil, ErrValidation("account-root trust requires an external token")
		}
		cond := map[string]map[string]interface{}{
			"StringEquals": {"sts:ExternalId": v.ExternalID},
		}
		if v.RequireMFA {
			cond["Bool"] = map[string]interface{}{"aws:MultiFactorAuthPresent": "true"}
		}
		st = Statement{
			Sid:       "AccountOperators",
			Effect:    "Allow",
			Principal: map[string]interface{}{"AWS": fmt.Sprintf("arn:%s:iam::%s:root", partitionOr(v.Partition), v.AccountID)},
			Action:    "sts:AssumeRole",
			Condition: cond,
		}
	case RoleARN:
		if v.ARN == "" {
			return nil, ErrValidation("role-arn trust requires a role ARN")
		}
		if v.ExternalID == "" {
			return nil, ErrValidation("role-arn trust requires an external token")
		}
		st = Statement{
			Sid:       "ChainedRole",
			Effect:    "Allow",
			Principal: map[string]interface{}{"AWS": v.ARN},
			Action:    "sts:AssumeRole",
			Condition: map[string]map[string]interface{}{
				"StringEquals": {"sts:ExternalId": v.ExternalID},
			},
		}
	default:
		return nil, ErrInternal(fmt.Sprintf("unhandled trust principal %T", p))
	}
	return &PolicyDocument{Version: policyVersion, Statement: []Statement{st}}, nil
}

// TrustPolicyJSON renders the canonical trust policy of p.
func TrustPolicyJSON(p TrustPrincipal) (string, error) {
	doc, err := TrustDocument(p)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal trust policy")
	}
	return string(b), nil
}

// DecodePolicy parses a policy document that may be URL-encoded, as IAM
// returns it from GetRole.
func DecodePolicy(doc string) (string, error) {
	trimmed := strings.TrimSpace(doc)
	if strings.HasPrefix(trimmed, "%7B") || strings.HasPrefix(trimmed, "%7b") {
		decoded, err := url.QueryUnescape(trimmed)
		if err != nil {
			return "", errors.Wrap(err, "decode policy document")
		}
		return decoded, nil
	}
	return trimmed, nil
}

// EquivalentPolicies reports whether two policy documents grant the same
// thing. Single-element lists equal scalars and list order is ignored.
func EquivalentPolicies(a, b string) (bool, error) {
	na, err := normalizePolicy(a)
	if err != nil {
		return false, err
	}
	nb, err := normalizePolicy(b)
	if err != nil {
		return false, err
	}
	return na == nb, nil
}

func normalizePolicy(doc string) (string, error) {
	decoded, err := DecodePolicy(doc)
	if err != nil {
		return "", err
	}
	var v interface{}
	if err := json.Unmarshal([]byte(decoded), &v); err != nil {
		return "", errors.Wrap(err, "parse policy document")
	}
	b, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return "", errors.Wrap(err, "normalize policy document")
	}
	return string(b), nil
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if k == "Sid" {
				continue
			}
			out[k] = normalizeValue(val)
		}
		return out
	case []interface{}:
		if len(t) == 1 {
			return normalizeValue(t[0])
		}
		items := make([]interface{}, len(t))
		keys := make([]string, len(t))
		for i, item := range t {
			items[i] = normalizeValue(item)
			b, _ := json.Marshal(items[i])
			keys[i] = string(b)
		}
		sort.Sort(byKey{items: items, keys: keys})
		return items
	default:
		return v
	}
}

type byKey struct {
	items []interface{}
	keys  []string
}

func (s byKey) Len() int           { return len(s.items) }
func (s byKey) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s byKey) Swap(i, j int) {
	s.items[i], s.items[j] = s.items[j], s.items[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}

// ParsePolicy parses a possibly URL-encoded policy document.
func ParsePolicy(doc string) (*PolicyDocument, error) {
	decoded, err := DecodePolicy(doc)
	if err != nil {
		return nil, err
	}
	var pd PolicyDocument
	if err := json.Unmarshal([]byte(decoded), &pd); err != nil {
		// Statement may be a single object instead of a list.
		var single struct {
			Version   string    `json:"Version"`
			Statement Statement `json:"Statement"`
		}
		if err2 := json.Unmarshal([]byte(decoded), &single); err2 != nil {
			return nil, errors.Wrap(err, "parse policy document")
		}
		pd = PolicyDocument{Version: single.Version, Statement: []Statement{single.Statement}}
	}
	return &pd, nil
}

// ExternalIDs returns the sts:ExternalId values a trust policy requires.
func ExternalIDs(doc string) []string {
	pd, err := ParsePolicy(doc)
	if err != nil {
		return nil
	}
	var out []string
	for _, st := range pd.Statement {
		out = append(out, statementExternalIDs(st)...)
	}
	return out
}

func statementExternalIDs(st Statement) []string {
	var out []string
	for _, op := range []string{"StringEquals", "StringLike"} {
		if v, ok := st.Condition[op]["sts:ExternalId"]; ok {
			out = append(out, stringValues(v)...)
		}
	}
	return out
}

// ReferencedPrincipals returns every principal ARN named by a trust policy.
func ReferencedPrincipals(doc string) []string {
	pd, err := ParsePolicy(doc)
	if err != nil {
		return nil
	}
	var out []string
	for _, st := range pd.Statement {
		for _, v := range st.Principal {
			out = append(out, stringValues(v)...)
		}
	}
	return out
}

func stringValues(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// ValidateSubject checks that a subject pattern is scoped to the owning
// repository. Wildcards are only allowed after the "repo:<owner>/<name>:" prefix.
func ValidateSubject(repository, subject string) error {
	if repository == "" {
		return ErrValidation("repository is required to scope subject patterns")
	}
	if strings.ContainsAny(repository, "*?") || strings.Count(repository, "/") != 1 {
		return ErrValidation(fmt.Sprintf("repository %q must be a literal owner/name", repository))
	}
	prefix := "repo:" + repository + ":"
	if !strings.HasPrefix(subject, prefix) {
		return ErrValidation(fmt.Sprintf("subject %q is not scoped to repository %s", subject, repository))
	}
	if strings.TrimPrefix(subject, prefix) == "" {
		return ErrValidation(fmt.Sprintf("subject %q has an empty workflow scope", subject))
	}
	return nil
}

func partitionOr(p string) string {
	if p == "" {
		return "aws"
	}
	return p
}
