package aws

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

var testTarget = bootstrap.Target{AccountID: "111111111111", Region: "eu-west-1"}

type fakeSTS struct{ account string }

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

// fakeIAM implements the calls the tests exercise; the embedded interface
// panics on anything else.
type fakeIAM struct {
	IAMClient
	role     *iamtypes.Role
	inline   map[string]string
	getErr   error
	provider *iam.GetOpenIDConnectProviderOutput
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &iam.GetRoleOutput{Role: f.role}, nil
}

func (f *fakeIAM) ListRolePolicies(_ context.Context, _ *iam.ListRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	out := &iam.ListRolePoliciesOutput{}
	for name := range f.inline {
		out.PolicyNames = append(out.PolicyNames, name)
	}
	return out, nil
}

func (f *fakeIAM) GetRolePolicy(_ context.Context, in *iam.GetRolePolicyInput, _ ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error) {
	return &iam.GetRolePolicyOutput{PolicyDocument: aws.String(url.QueryEscape(f.inline[aws.ToString(in.PolicyName)]))}, nil
}

func (f *fakeIAM) GetOpenIDConnectProvider(context.Context, *iam.GetOpenIDConnectProviderInput, ...func(*iam.Options)) (*iam.GetOpenIDConnectProviderOutput, error) {
	return f.provider, nil
}

func TestCallerAccount(t *testing.T) {
	p := New(testTarget, WithSTSClient(fakeSTS{account: "111111111111"}))
	got, err := p.CallerAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "111111111111", got)
}

func TestGetRoleDecodesTrustPolicy(t *testing.T) {
	trust := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::111111111111:root"},"Action":"sts:AssumeRole"}]}`
	f := &fakeIAM{role: &iamtypes.Role{
		RoleName:                 aws.String("app-deploy-dev"),
		Arn:                      aws.String("arn:aws:iam::111111111111:role/app-deploy-dev"),
		AssumeRolePolicyDocument: aws.String(url.QueryEscape(trust)),
		MaxSessionDuration:       aws.Int32(3600),
		Tags:                     []iamtypes.Tag{{Key: aws.String(bootstrap.TagManagedBy), Value: aws.String(bootstrap.ManagedByValue)}},
	}}
	p := New(testTarget, WithIAMClient(f))

	role, err := p.GetRole(context.Background(), "app-deploy-dev")
	require.NoError(t, err)
	assert.Equal(t, trust, role.TrustPolicy)
	assert.Equal(t, int32(3600), role.MaxSessionSeconds)
	assert.True(t, role.Tags.Has(bootstrap.TagManagedBy, bootstrap.ManagedByValue))

	f.getErr = apiErr("NoSuchEntity")
	_, err = p.GetRole(context.Background(), "app-deploy-dev")
	assert.True(t, bootstrap.IsNotFound(err))
}

func TestListRolePoliciesDecodesDocuments(t *testing.T) {
	doc := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"sts:AssumeRole","Resource":"*"}]}`
	p := New(testTarget, WithIAMClient(&fakeIAM{inline: map[string]string{"inline": doc}}))
	got, err := p.ListRolePolicies(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"inline": doc}, got)
}

func TestGetProviderAddsScheme(t *testing.T) {
	p := New(testTarget, WithIAMClient(&fakeIAM{provider: &iam.GetOpenIDConnectProviderOutput{
		Url:            aws.String("token.actions.githubusercontent.com"),
		ClientIDList:   []string{"sts.amazonaws.com"},
		ThumbprintList: []string{"6938fd4d98bab03faadb97b34396831e3780aea1"},
	}}))
	arn := "arn:aws:iam::111111111111:oidc-provider/token.actions.githubusercontent.com"
	got, err := p.GetOpenIDConnectProvider(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "https://token.actions.githubusercontent.com", got.URL)
	assert.Equal(t, arn, got.ARN)
	assert.Empty(t, got.Tags)
}

type fakeS3 struct {
	S3Client
	headErr        error
	buckets        []string
	listBucketsErr error
	created        []string
	deleted        []string
	failVersions   error
	listOut        *s3.ListObjectVersionsOutput
	listIn         *s3.ListObjectVersionsInput
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) ListBuckets(_ context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if f.listBucketsErr != nil {
		return nil, f.listBucketsErr
	}
	out := &s3.ListBucketsOutput{}
	for _, b := range f.buckets {
		if strings.HasPrefix(b, aws.ToString(in.Prefix)) {
			out.Buckets = append(out.Buckets, s3types.Bucket{Name: aws.String(b)})
		}
	}
	return out, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, aws.ToString(in.Bucket))
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Bucket))
	return &s3.DeleteBucketOutput{}, nil
}

func (f *fakeS3) PutBucketTagging(context.Context, *s3.PutBucketTaggingInput, ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(context.Context, *s3.PutBucketVersioningInput, ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	return &s3.PutBucketVersioningOutput{}, f.failVersions
}

func (f *fakeS3) ListObjectVersions(_ context.Context, in *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	f.listIn = in
	return f.listOut, nil
}

func TestHeadBucketOwnership(t *testing.T) {
	f := &fakeS3{}
	p := New(testTarget, WithS3Client(f))

	owned, err := p.HeadBucket(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, owned)

	// Held by another account: not listed among ours.
	for _, headErr := range []error{statusErr(403), apiErr("AccessDenied")} {
		f.headErr = headErr
		f.buckets = []string{"b-other"}
		owned, err = p.HeadBucket(context.Background(), "b")
		require.NoError(t, err)
		assert.False(t, owned)
	}

	f.headErr = apiErr("NotFound")
	_, err = p.HeadBucket(context.Background(), "b")
	assert.True(t, bootstrap.IsNotFound(err))
}

func TestHeadBucketDeniedOnOwnBucket(t *testing.T) {
	f := &fakeS3{headErr: apiErr("AccessDenied"), buckets: []string{"b"}}
	p := New(testTarget, WithS3Client(f))

	owned, err := p.HeadBucket(context.Background(), "b")
	require.Error(t, err)
	assert.False(t, owned)
	assert.Equal(t, bootstrap.KindAccessDenied, bootstrap.KindOf(err))
	var be *bootstrap.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "s3:HeadBucket", be.Action)
	assert.Equal(t, "b", be.Resource)
}

func TestHeadBucketDeniedAndUnlistable(t *testing.T) {
	f := &fakeS3{headErr: statusErr(403), listBucketsErr: apiErr("AccessDenied")}
	p := New(testTarget, WithS3Client(f))

	_, err := p.HeadBucket(context.Background(), "b")
	require.Error(t, err)
	assert.Equal(t, bootstrap.KindAccessDenied, bootstrap.KindOf(err))
	var be *bootstrap.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "s3:ListAllMyBuckets", be.Action)
}

func TestCreateBucketRollsBackOnConfigureFailure(t *testing.T) {
	f := &fakeS3{failVersions: apiErr("AccessDenied")}
	p := New(testTarget, WithS3Client(f))

	err := p.CreateBucket(context.Background(), &bootstrap.BucketSpec{
		Name: "app-tfstate-dev", Region: "eu-west-1", KeyARN: "arn:aws:kms:eu-west-1:111111111111:key/k",
		Tags: bootstrap.Tags{bootstrap.TagManagedBy: bootstrap.ManagedByValue},
	})
	require.Error(t, err)
	assert.Equal(t, bootstrap.KindAccessDenied, bootstrap.KindOf(err))
	assert.Equal(t, []string{"app-tfstate-dev"}, f.created)
	assert.Equal(t, []string{"app-tfstate-dev"}, f.deleted)
}

func TestListObjectVersionsToken(t *testing.T) {
	f := &fakeS3{listOut: &s3.ListObjectVersionsOutput{
		Versions:            []s3types.ObjectVersion{{Key: aws.String("a"), VersionId: aws.String("1")}},
		DeleteMarkers:       []s3types.DeleteMarkerEntry{{Key: aws.String("b"), VersionId: aws.String("2")}},
		IsTruncated:         aws.Bool(true),
		NextKeyMarker:       aws.String("b"),
		NextVersionIdMarker: aws.String("2"),
	}}
	p := New(testTarget, WithS3Client(f))

	page, err := p.ListObjectVersions(context.Background(), "bucket", "")
	require.NoError(t, err)
	require.Len(t, page.Versions, 2)
	assert.True(t, page.Versions[1].DeleteMarker)
	assert.Equal(t, "b\x002", page.NextToken)

	_, err = p.ListObjectVersions(context.Background(), "bucket", page.NextToken)
	require.NoError(t, err)
	assert.Equal(t, "b", aws.ToString(f.listIn.KeyMarker))
	assert.Equal(t, "2", aws.ToString(f.listIn.VersionIdMarker))
}

func TestTLSOnlyPolicyRoundTrip(t *testing.T) {
	doc, err := tlsOnlyPolicy("aws", "app-tfstate-dev")
	require.NoError(t, err)
	assert.Contains(t, doc, "arn:aws:s3:::app-tfstate-dev/*")
	assert.True(t, denysInsecureTransport(doc))
	assert.False(t, denysInsecureTransport(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"*"}]}`))
}

type fakeKMS struct {
	KMSClient
	scheduleErr error
	state       kmstypes.KeyState
	deletion    time.Time
}

func (f *fakeKMS) ScheduleKeyDeletion(context.Context, *kms.ScheduleKeyDeletionInput, ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error) {
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	return &kms.ScheduleKeyDeletionOutput{DeletionDate: aws.Time(f.deletion)}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	return &kms.DescribeKeyOutput{KeyMetadata: &kmstypes.KeyMetadata{
		KeyId:        in.KeyId,
		KeyState:     f.state,
		DeletionDate: aws.Time(f.deletion),
	}}, nil
}

func TestScheduleKeyDeletionIsIdempotent(t *testing.T) {
	when := time.Date(2026, 11, 13, 0, 0, 0, 0, time.UTC)
	f := &fakeKMS{scheduleErr: apiErr("KMSInvalidStateException"), state: kmstypes.KeyStatePendingDeletion, deletion: when}
	p := New(testTarget, WithKMSClient(f))

	got, err := p.ScheduleKeyDeletion(context.Background(), "key-1", 30)
	require.NoError(t, err)
	assert.Equal(t, when, got)

	f.state = kmstypes.KeyStateDisabled
	_, err = p.ScheduleKeyDeletion(context.Background(), "key-1", 30)
	assert.Equal(t, bootstrap.KindDependencyNotReady, bootstrap.KindOf(err))
}
