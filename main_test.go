package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/config"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/lock"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/providers/memory"
)

const (
	devAccount  = "111111111111"
	prodAccount = "222222222222"
	testToken   = "ci-external-token-0001"
)

const testConfig = `
project: acme-web
repository: acme/website
provider:
  url: https://token.actions.githubusercontent.com
  audiences: [sts.amazonaws.com]
  thumbprints: [6938fd4d98bab03faadb97b34396831e3780aea1]
external_token: %q
environments:
  dev:
    account_id: "111111111111"
    region: us-east-1
  prod:
    account_id: "222222222222"
    region: us-west-2
manifest_dir: %q
lock:
  backend: none
`

type harness struct {
	t        *testing.T
	cloud    *memory.Cloud
	cfgPath  string
	manifest string
	locker   bootstrap.Locker
	stdin    string
}

func newHarness(t *testing.T, accounts ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:        t,
		cloud:    memory.New(accounts...),
		cfgPath:  filepath.Join(dir, "bootstrap.yaml"),
		manifest: filepath.Join(dir, "manifests"),
	}
	h.writeConfig(testToken)
	return h
}

func (h *harness) writeConfig(token string) {
	data := fmt.Sprintf(testConfig, token, h.manifest)
	require.NoError(h.t, os.WriteFile(h.cfgPath, []byte(data), 0o600))
}

func (h *harness) run(args ...string) (string, string, int) {
	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(h.stdin), &stdout, &stderr)
	a.newPlanes = func(*config.Config) bootstrap.PlaneFactory { return h.cloud.Factory() }
	a.newLocker = func(context.Context, *config.Config) (bootstrap.Locker, error) { return h.locker, nil }
	a.extraOpts = []bootstrap.Option{
		bootstrap.WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	full := append([]string{"--config", h.cfgPath, "--log-level", "error"}, args...)
	code := a.execute(context.Background(), full)
	return stdout.String(), stderr.String(), code
}

func TestBootstrapAndReport(t *testing.T) {
	h := newHarness(t, devAccount, prodAccount)

	out, errOut, code := h.run("bootstrap", "dev")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "ready dev")
	assert.FileExists(t, filepath.Join(h.manifest, "dev.json"))
	assert.Empty(t, h.cloud.CallsFor(prodAccount))

	out, errOut, code = h.run("report", "dev", "-o", "json")
	require.Equal(t, exitOK, code, errOut)
	var m bootstrap.Manifest
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, bootstrap.StatusReady, m.Environment.Status)
	for _, r := range m.Resources() {
		assert.Equal(t, bootstrap.StateExists, r.State, r.Name)
		assert.NotEmpty(t, r.ID, r.Name)
	}

	out, _, code = h.run("report", "dev", "-o", "tf-backend")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `backend "s3"`)
	assert.Contains(t, out, "dev/terraform.tfstate")

	out, _, code = h.run("report", "dev")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "trust_provider")
	assert.NotContains(t, out, testToken)
}

func TestBootstrapTwiceMakesNoChanges(t *testing.T) {
	h := newHarness(t, devAccount)

	_, errOut, code := h.run("bootstrap", "dev")
	require.Equal(t, exitOK, code, errOut)
	h.cloud.ResetCalls()

	_, errOut, code = h.run("bootstrap", "dev")
	require.Equal(t, exitOK, code, errOut)
	assert.Empty(t, h.cloud.Mutations())
}

func TestBootstrapAllPartialFailure(t *testing.T) {
	// Only the dev account is reachable.
	h := newHarness(t, devAccount)

	out, errOut, code := h.run("bootstrap", "--all", "-o", "json")
	assert.Equal(t, exitPartial, code)
	assert.Contains(t, errOut, "[prod]")
	assert.Contains(t, errOut, "retry safe:")

	var results []bootstrapOutput
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "dev", results[0].Environment)
	assert.Nil(t, results[0].RetrySafe)
	assert.Equal(t, "prod", results[1].Environment)
	assert.Equal(t, bootstrap.KindAccessDenied, results[1].Kind)
}

func TestBootstrapArguments(t *testing.T) {
	h := newHarness(t, devAccount)

	_, _, code := h.run("bootstrap")
	assert.Equal(t, exitValidation, code)
	_, _, code = h.run("bootstrap", "dev", "--all")
	assert.Equal(t, exitValidation, code)
	_, _, code = h.run("bootstrap", "dev", "--parallel", "0")
	assert.Equal(t, exitValidation, code)
	_, _, code = h.run("bootstrap", "dev", "--no-such-flag")
	assert.Equal(t, exitValidation, code)
	_, _, code = h.run("bootstrap", "staging")
	assert.Equal(t, exitValidation, code)
	assert.Empty(t, h.cloud.Calls())
}

func TestInvalidConfigFailsBeforeAnyCall(t *testing.T) {
	h := newHarness(t, devAccount)
	h.writeConfig("")

	_, errOut, code := h.run("bootstrap", "dev")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "external token")
	assert.Empty(t, h.cloud.Calls())
}

func TestBootstrapLocked(t *testing.T) {
	h := newHarness(t, devAccount)
	mem := lock.NewMemory(time.Hour)
	_, err := mem.Acquire(context.Background(), bootstrap.LockRequest{
		Environment: "dev", AccountID: devAccount, RunID: "other-run", Operation: "bootstrap",
	})
	require.NoError(t, err)
	h.locker = mem

	_, errOut, code := h.run("bootstrap", "dev")
	assert.Equal(t, exitLocked, code)
	assert.Contains(t, errOut, "retry safe: yes")
	assert.Empty(t, h.cloud.Mutations())
}

func TestDestroyRequiresConfirmation(t *testing.T) {
	h := newHarness(t, devAccount)
	_, _, code := h.run("bootstrap", "dev")
	require.Equal(t, exitOK, code)
	h.cloud.ResetCalls()

	_, errOut, code := h.run("destroy", "dev", "--force")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, bootstrap.ConfirmationToken)

	h.stdin = "yes\n"
	_, _, code = h.run("destroy", "dev", "--force")
	assert.Equal(t, exitValidation, code)
	assert.Empty(t, h.cloud.Mutations())
}

func TestDestroyDryRunAndForce(t *testing.T) {
	h := newHarness(t, devAccount)
	_, _, code := h.run("bootstrap", "dev")
	require.Equal(t, exitOK, code)
	h.cloud.ResetCalls()

	out, errOut, code := h.run("destroy", "dev", "--dry-run")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "dry run dev")
	assert.Empty(t, h.cloud.Mutations())

	h.stdin = bootstrap.ConfirmationToken + "\n"
	out, errOut, code = h.run("destroy", "dev", "--force")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "teardown dev")
	assert.True(t, h.cloud.Inventory(devAccount).Empty(), "%+v", h.cloud.Inventory(devAccount))

	out, _, code = h.run("report", "dev", "-o", "json")
	require.Equal(t, exitOK, code)
	var m bootstrap.Manifest
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	for _, r := range m.Resources() {
		assert.Equal(t, bootstrap.StateAbsent, r.State, r.Name)
	}

	_, _, code = h.run("report", "dev", "-o", "tf-backend")
	assert.Equal(t, exitDependency, code)
}

func TestDestroyLeavesConflictingBucket(t *testing.T) {
	h := newHarness(t, devAccount)
	cfg, err := config.Load(h.cfgPath)
	require.NoError(t, err)
	bucket := cfg.Settings().BucketName("dev")
	h.cloud.PutBucket(devAccount, bucket, "us-east-1", nil)

	_, errOut, code := h.run("destroy", "dev", "--force", "--confirm", bootstrap.ConfirmationToken)
	assert.Equal(t, exitConflicting, code)
	assert.Contains(t, errOut, bucket)
	assert.Contains(t, errOut, "retry safe: no")
	assert.Equal(t, []string{bucket}, h.cloud.Inventory(devAccount).Buckets)
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	out, _, code := h.run("version")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "cloud-bootstrap version")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitInternal},
		{bootstrap.ErrValidation("bad"), exitValidation},
		{bootstrap.ErrConflicting(bootstrap.KindBucket, "b", "not owned"), exitConflicting},
		{bootstrap.NewError(bootstrap.KindManualIntervention, "fix it"), exitConflicting},
		{bootstrap.NewError(bootstrap.KindAccessDenied, "denied"), exitAccess},
		{bootstrap.NewError(bootstrap.KindTransient, "slow down"), exitTransient},
		{bootstrap.NewError(bootstrap.KindDependencyNotReady, "wait"), exitDependency},
		{bootstrap.NewError(bootstrap.KindLocked, "held"), exitLocked},
		{context.Canceled, exitCancelled},
		{&multiError{failures: []envFailure{{"a", bootstrap.NewError(bootstrap.KindTransient, "x")}}, succeeded: 1}, exitPartial},
		{&multiError{failures: []envFailure{
			{"a", bootstrap.NewError(bootstrap.KindAccessDenied, "x")},
			{"b", bootstrap.NewError(bootstrap.KindAccessDenied, "y")},
		}}, exitAccess},
		{&multiError{failures: []envFailure{
			{"a", bootstrap.NewError(bootstrap.KindAccessDenied, "x")},
			{"b", bootstrap.NewError(bootstrap.KindTransient, "y")},
		}}, exitPartial},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestPrintFailureNamesResource(t *testing.T) {
	var b bytes.Buffer
	err := bootstrap.NewError(bootstrap.KindAccessDenied, "not authorized").
		WithAction("iam:CreateRole").
		WithResource(bootstrap.KindRole, "arn:aws:iam::111111111111:role/acme-web-deploy-dev")
	printFailure(&b, err)

	out := b.String()
	assert.Contains(t, out, "access_denied")
	assert.Contains(t, out, "role arn:aws:iam::111111111111:role/acme-web-deploy-dev")
	assert.Contains(t, out, "action: iam:CreateRole")
	assert.Contains(t, out, "retry safe: no")
}
