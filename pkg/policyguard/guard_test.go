package policyguard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

const (
	account  = "111111111111"
	provider = "arn:aws:iam::111111111111:oidc-provider/token.actions.githubusercontent.com"
)

func input(t *testing.T, tier bootstrap.Tier, p bootstrap.TrustPrincipal) bootstrap.GuardInput {
	t.Helper()
	doc, err := bootstrap.TrustDocument(p)
	require.NoError(t, err)
	return bootstrap.GuardInput{
		Environment: "dev",
		AccountID:   account,
		Tier:        tier,
		RoleName:    "acme-" + string(tier) + "-dev",
		Repository:  "acme/website",
		TrustModel:  bootstrap.TrustTiered,
		ProviderARN: provider,
		Policy:      doc,
	}
}

func federated(audience, subject string) bootstrap.FederatedProvider {
	return bootstrap.FederatedProvider{
		ProviderARN: provider,
		Host:        "token.actions.githubusercontent.com",
		Condition:   bootstrap.TrustCondition{Audience: audience, SubjectPattern: subject},
	}
}

func codes(findings []bootstrap.Finding) []string {
	out := []string{}
	for _, f := range findings {
		out = append(out, f.Code+"/"+string(f.Severity))
	}
	return out
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx)
	require.NoError(t, err)

	tests := []struct {
		name  string
		tier  bootstrap.Tier
		trust bootstrap.TrustPrincipal
		want  []string
	}{
		{
			name:  "scoped federated trust",
			tier:  bootstrap.TierOrchestration,
			trust: federated("sts.amazonaws.com", "repo:acme/website:environment:dev"),
			want:  []string{},
		},
		{
			name:  "foreign audience",
			tier:  bootstrap.TierOrchestration,
			trust: federated("api://other", "repo:acme/website:environment:dev"),
			want:  []string{"audience/deny"},
		},
		{
			name:  "repository wide subject",
			tier:  bootstrap.TierOrchestration,
			trust: federated("sts.amazonaws.com", "repo:acme/website:*"),
			want:  []string{"broad_subject/warn"},
		},
		{
			name:  "account root with strong token",
			tier:  bootstrap.TierBootstrap,
			trust: bootstrap.AccountRoot{AccountID: account, ExternalID: "0123456789abcdef0123"},
			want:  []string{},
		},
		{
			name:  "weak external token",
			tier:  bootstrap.TierReadOnly,
			trust: bootstrap.AccountRoot{AccountID: account, ExternalID: "short"},
			want:  []string{"weak_external_token/warn"},
		},
		{
			name:  "principal in another account",
			tier:  bootstrap.TierDeployment,
			trust: bootstrap.RoleARN{ARN: "arn:aws:iam::222222222222:role/x", ExternalID: "0123456789abcdef0123"},
			want:  []string{"foreign_account/deny"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, err := g.Evaluate(ctx, input(t, tt.tier, tt.trust))
			require.NoError(t, err)
			assert.Equal(t, tt.want, codes(findings))
		})
	}
}

func TestGuardWildcardAction(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx)
	require.NoError(t, err)

	in := input(t, bootstrap.TierBootstrap, bootstrap.AccountRoot{AccountID: account, ExternalID: "0123456789abcdef0123"})
	in.Policy.Statement[0].Action = "sts:*"
	findings, err := g.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"wildcard_action/deny"}, codes(findings))
}

func TestGuardExtraModules(t *testing.T) {
	dir := t.TempDir()
	module := `package cloudbootstrap.trust

import future.keywords.contains
import future.keywords.if

findings contains f if {
	input.environment == "dev"
	f := {"code": "dev_notice", "severity": "warn", "message": "dev environment"}
}

findings contains f if {
	input.tier == "bootstrap"
	f := {"code": "no_bootstrap_role", "message": "bootstrap roles are forbidden here"}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.rego"), []byte(module), 0o644))

	ctx := context.Background()
	g, err := New(ctx, WithModules(dir))
	require.NoError(t, err)

	findings, err := g.Evaluate(ctx, input(t, bootstrap.TierBootstrap,
		bootstrap.AccountRoot{AccountID: account, ExternalID: "0123456789abcdef0123"}))
	require.NoError(t, err)
	// A finding without a severity denies.
	assert.Equal(t, []string{"dev_notice/warn", "no_bootstrap_role/deny"}, codes(findings))
}

func TestGuardRejectsBrokenModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package cloudbootstrap.trust\nfindings contains"), 0o644))
	_, err := New(context.Background(), WithModules(dir))
	assert.Error(t, err)
}
