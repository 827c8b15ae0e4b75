package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

const rootTrust = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::111111111111:root"},"Action":"sts:AssumeRole"}]}`

func TestFactoryUnknownAccount(t *testing.T) {
	c := New("111111111111")
	_, err := c.Factory().ForTarget(context.Background(), bootstrap.Target{AccountID: "222222222222", Region: "us-east-1"})
	assert.Equal(t, bootstrap.KindAccessDenied, bootstrap.KindOf(err))

	p, err := c.Factory().ForTarget(context.Background(), bootstrap.Target{AccountID: "111111111111", Region: "us-east-1"})
	require.NoError(t, err)
	account, err := p.CallerAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "111111111111", account)

	account, err = c.PlaneAs("111111111111", "us-east-1", "333333333333").CallerAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "333333333333", account)
}

func TestFaults(t *testing.T) {
	c := New("111111111111")
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()
	throttled := bootstrap.NewError(bootstrap.KindTransient, "rate exceeded")
	c.Fail("CreateRole", throttled, 1)

	_, err := p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "a", TrustPolicy: rootTrust})
	require.Error(t, err)
	var e *bootstrap.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "CreateRole", e.Action)
	assert.Empty(t, throttled.Action)

	_, err = p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "a", TrustPolicy: rootTrust})
	require.NoError(t, err)

	c.Inject(Fault{Op: "GetRole", Target: "b", Err: throttled})
	_, err = p.GetRole(ctx, "a")
	assert.NoError(t, err)
	_, err = p.GetRole(ctx, "b")
	assert.Equal(t, bootstrap.KindTransient, bootstrap.KindOf(err))
	c.ClearFaults()
	_, err = p.GetRole(ctx, "b")
	assert.Equal(t, bootstrap.KindNotFound, bootstrap.KindOf(err))
}

func TestCallLog(t *testing.T) {
	c := New("111111111111", "222222222222")
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()
	var hooked []string
	c.OnMutation(func(call Call) { hooked = append(hooked, call.Op) })

	_, _ = p.GetRole(ctx, "missing")
	_, err := p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "a", TrustPolicy: rootTrust})
	require.NoError(t, err)
	_, err = p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "A", TrustPolicy: rootTrust})
	assert.Equal(t, bootstrap.KindAlreadyExists, bootstrap.KindOf(err))

	assert.Len(t, c.Calls(), 3)
	assert.Len(t, c.Mutations(), 1)
	assert.Equal(t, []string{"CreateRole"}, hooked)
	assert.Len(t, c.CallsFor("111111111111"), 3)
	assert.Empty(t, c.CallsFor("222222222222"))

	c.ResetCalls()
	assert.Empty(t, c.Calls())
}

func TestCancelledContext(t *testing.T) {
	c := New("111111111111")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Plane("111111111111", "us-east-1").GetRole(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Calls())
}

func TestTrustValidation(t *testing.T) {
	c := New("111111111111")
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()

	_, err := p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "a", TrustPolicy: "not json"})
	assert.Equal(t, bootstrap.KindValidation, bootstrap.KindOf(err))

	missing := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::111111111111:role/orchestration"},"Action":"sts:AssumeRole"}]}`
	_, err = p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "deploy", TrustPolicy: missing})
	assert.Equal(t, bootstrap.KindValidation, bootstrap.KindOf(err))

	c.PutRole("111111111111", "orchestration", rootTrust, nil)
	_, err = p.CreateRole(ctx, &bootstrap.CreateRoleInput{Name: "deploy", TrustPolicy: missing})
	assert.NoError(t, err)
}

func TestDeleteRoleWithPoliciesIsViolation(t *testing.T) {
	c := New("111111111111")
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()
	c.PutRole("111111111111", "a", rootTrust, nil, "arn:aws:iam::aws:policy/ReadOnlyAccess")

	err := p.DeleteRole(ctx, "a")
	assert.Equal(t, bootstrap.KindDependencyNotReady, bootstrap.KindOf(err))
	assert.Len(t, c.Violations(), 1)

	require.NoError(t, p.DetachRolePolicy(ctx, "a", "arn:aws:iam::aws:policy/ReadOnlyAccess"))
	require.NoError(t, p.DeleteRole(ctx, "a"))
	assert.Empty(t, c.Inventory("111111111111").Roles)
}

func TestDeleteTrustedProviderIsViolation(t *testing.T) {
	c := New("111111111111")
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()
	arn, err := p.CreateOpenIDConnectProvider(ctx, &bootstrap.CreateProviderInput{URL: "https://token.actions.githubusercontent.com"})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::111111111111:oidc-provider/token.actions.githubusercontent.com", arn)
	c.PutRole("111111111111", "ci", `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Federated":"`+arn+`"},"Action":"sts:AssumeRoleWithWebIdentity"}]}`, nil)

	require.NoError(t, p.DeleteOpenIDConnectProvider(ctx, arn))
	assert.Len(t, c.Violations(), 1)
}

func TestBucketNamespaceIsGlobal(t *testing.T) {
	c := New("111111111111", "222222222222")
	ctx := context.Background()
	dev := c.Plane("111111111111", "us-east-1")
	prod := c.Plane("222222222222", "us-east-1")

	require.NoError(t, dev.CreateBucket(ctx, &bootstrap.BucketSpec{Name: "state", Region: "us-east-1", KeyARN: "k"}))
	owned, err := prod.HeadBucket(ctx, "state")
	require.NoError(t, err)
	assert.False(t, owned)
	_, err = prod.GetBucket(ctx, "state")
	assert.Equal(t, bootstrap.KindAccessDenied, bootstrap.KindOf(err))
	err = prod.CreateBucket(ctx, &bootstrap.BucketSpec{Name: "state", Region: "us-east-1"})
	assert.Equal(t, bootstrap.KindAlreadyExists, bootstrap.KindOf(err))

	live, err := dev.GetBucket(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, bootstrap.VersioningEnabled, live.Versioning)
	assert.True(t, live.PublicAccessBlocked)
	assert.True(t, live.TLSOnly)
	assert.Equal(t, "k", live.Encryption.KeyARN)
}

func TestCreateBucketRemovesUnconfiguredBucket(t *testing.T) {
	c := New("111111111111")
	c.Fail("PutBucketConfiguration", bootstrap.NewError(bootstrap.KindAccessDenied, "denied"), 1)
	err := c.Plane("111111111111", "us-east-1").CreateBucket(context.Background(), &bootstrap.BucketSpec{Name: "state"})
	assert.Equal(t, bootstrap.KindAccessDenied, bootstrap.KindOf(err))
	assert.Empty(t, c.Inventory("111111111111").Buckets)
}

func TestObjectVersionPaging(t *testing.T) {
	c := New("111111111111")
	c.PageSize = 2
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()
	require.NoError(t, p.CreateBucket(ctx, &bootstrap.BucketSpec{Name: "state"}))
	for _, k := range []string{"a", "b", "c"} {
		c.PutObject("state", k)
	}
	c.DeleteObject("state", "a")
	c.StartUpload("state", "big")

	err := p.DeleteBucket(ctx, "state")
	assert.Equal(t, bootstrap.KindDependencyNotReady, bootstrap.KindOf(err))

	var all []bootstrap.ObjectVersion
	token := ""
	for {
		page, err := p.ListObjectVersions(ctx, "state", token)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Versions), 2)
		require.NoError(t, p.DeleteObjectVersions(ctx, "state", page.Versions))
		all = append(all, page.Versions...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Len(t, all, 4)

	uploads, err := p.ListMultipartUploads(ctx, "state")
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	require.NoError(t, p.AbortMultipartUpload(ctx, "state", uploads[0]))
	require.NoError(t, p.DeleteBucket(ctx, "state"))
}

func TestKeyDeletion(t *testing.T) {
	c := New("111111111111")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }
	p := c.Plane("111111111111", "us-east-1")
	ctx := context.Background()

	k, err := p.CreateKey(ctx, &bootstrap.KeySpec{Tags: bootstrap.Tags{"env": "dev"}})
	require.NoError(t, err)
	require.NoError(t, p.CreateAlias(ctx, "alias/state", k.ID))

	_, err = p.ScheduleKeyDeletion(ctx, k.ID, 3)
	assert.Equal(t, bootstrap.KindValidation, bootstrap.KindOf(err))

	at, err := p.ScheduleKeyDeletion(ctx, k.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, now.Add(7*24*time.Hour), at)
	again, err := p.ScheduleKeyDeletion(ctx, k.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, at, again)

	assert.Equal(t, bootstrap.KeyStatePendingDeletion, c.KeyState("111111111111", k.ID))
	assert.Empty(t, c.Inventory("111111111111").Keys)
	found, err := p.FindKeys(ctx, bootstrap.Tags{"env": "dev"})
	require.NoError(t, err)
	assert.Empty(t, found)

	live, err := p.DescribeAlias(ctx, "alias/state")
	require.NoError(t, err)
	assert.Equal(t, bootstrap.KeyStatePendingDeletion, live.State)
	require.NoError(t, p.DeleteAlias(ctx, "alias/state"))
	err = p.CreateAlias(ctx, "alias/state", k.ID)
	assert.Equal(t, bootstrap.KindValidation, bootstrap.KindOf(err))
}
