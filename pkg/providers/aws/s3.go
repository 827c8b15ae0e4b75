package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// deleteBatch is the DeleteObjects request limit.
const deleteBatch = 1000

// missingConfig reports whether err is the "not configured" answer of a
// bucket sub-resource getter.
func missingConfig(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, c := range codes {
		if ae.ErrorCode() == c {
			return true
		}
	}
	return false
}

func bucketErr(err error, action, name string) error {
	return classify(err, action, bootstrap.KindBucket, name)
}

// HeadBucket implements bootstrap.StoragePlane. The expected owner is set,
// so a bucket held by another account answers 403. A 403 for a bucket listed
// in our own account is a real permission error and is returned as such.
func (p *Plane) HeadBucket(ctx context.Context, name string) (bool, error) {
	_, err := p.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket:              aws.String(name),
		ExpectedBucketOwner: aws.String(p.target.AccountID),
	})
	if err == nil {
		return true, nil
	}
	cerr := bucketErr(err, "s3:HeadBucket", name)
	if !bootstrap.IsKind(cerr, bootstrap.KindAccessDenied) {
		return false, cerr
	}
	ours, err := p.ownsBucket(ctx, name)
	if err != nil {
		return false, err
	}
	if ours {
		return false, cerr
	}
	return false, nil
}

// ownsBucket reports whether name is among the buckets of the target account.
func (p *Plane) ownsBucket(ctx context.Context, name string) (bool, error) {
	in := &s3.ListBucketsInput{Prefix: aws.String(name)}
	for {
		out, err := p.s3.ListBuckets(ctx, in)
		if err != nil {
			return false, bucketErr(err, "s3:ListAllMyBuckets", name)
		}
		for _, b := range out.Buckets {
			if aws.ToString(b.Name) == name {
				return true, nil
			}
		}
		if aws.ToString(out.ContinuationToken) == "" {
			return false, nil
		}
		in.ContinuationToken = out.ContinuationToken
	}
}

// GetBucket implements bootstrap.StoragePlane.
func (p *Plane) GetBucket(ctx context.Context, name string) (*bootstrap.LiveBucket, error) {
	b := &bootstrap.LiveBucket{Name: name, Tags: bootstrap.Tags{}}
	bucket := aws.String(name)

	loc, err := p.s3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: bucket})
	if err != nil {
		return nil, bucketErr(err, "s3:GetBucketLocation", name)
	}
	b.Region = bucketRegion(loc.LocationConstraint)

	ver, err := p.s3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: bucket})
	if err != nil {
		return nil, bucketErr(err, "s3:GetBucketVersioning", name)
	}
	b.Versioning = string(ver.Status)

	enc, err := p.s3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: bucket})
	switch {
	case err == nil:
		if cfg := enc.ServerSideEncryptionConfiguration; cfg != nil {
			for _, r := range cfg.Rules {
				if d := r.ApplyServerSideEncryptionByDefault; d != nil {
					b.Encryption = &bootstrap.BucketEncryption{
						Algorithm:        string(d.SSEAlgorithm),
						KeyARN:           aws.ToString(d.KMSMasterKeyID),
						BucketKeyEnabled: aws.ToBool(r.BucketKeyEnabled),
					}
					break
				}
			}
		}
	case missingConfig(err, "ServerSideEncryptionConfigurationNotFoundError"):
	default:
		return nil, bucketErr(err, "s3:GetBucketEncryption", name)
	}

	pab, err := p.s3.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: bucket})
	switch {
	case err == nil:
		if c := pab.PublicAccessBlockConfiguration; c != nil {
			b.PublicAccessBlocked = aws.ToBool(c.BlockPublicAcls) && aws.ToBool(c.BlockPublicPolicy) &&
				aws.ToBool(c.IgnorePublicAcls) && aws.ToBool(c.RestrictPublicBuckets)
		}
	case missingConfig(err, "NoSuchPublicAccessBlockConfiguration"):
	default:
		return nil, bucketErr(err, "s3:GetPublicAccessBlock", name)
	}

	own, err := p.s3.GetBucketOwnershipControls(ctx, &s3.GetBucketOwnershipControlsInput{Bucket: bucket})
	switch {
	case err == nil:
		if own.OwnershipControls != nil {
			for _, r := range own.OwnershipControls.Rules {
				if r.ObjectOwnership == s3types.ObjectOwnershipBucketOwnerEnforced {
					b.OwnerEnforced = true
				}
			}
		}
	case missingConfig(err, "OwnershipControlsNotFoundError"):
	default:
		return nil, bucketErr(err, "s3:GetBucketOwnershipControls", name)
	}

	pol, err := p.s3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: bucket})
	switch {
	case err == nil:
		b.TLSOnly = denysInsecureTransport(aws.ToString(pol.Policy))
	case missingConfig(err, "NoSuchBucketPolicy"):
	default:
		return nil, bucketErr(err, "s3:GetBucketPolicy", name)
	}

	tags, err := p.s3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: bucket})
	switch {
	case err == nil:
		for _, t := range tags.TagSet {
			b.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	case missingConfig(err, "NoSuchTagSet"):
	default:
		return nil, bucketErr(err, "s3:GetBucketTagging", name)
	}
	return b, nil
}

func bucketRegion(c s3types.BucketLocationConstraint) string {
	switch c {
	case "":
		return "us-east-1"
	case "EU":
		return "eu-west-1"
	default:
		return string(c)
	}
}

// tlsOnlyPolicy denies every request to the bucket that is not made over TLS.
func tlsOnlyPolicy(partition, bucket string) (string, error) {
	arn := fmt.Sprintf("arn:%s:s3:::%s", partition, bucket)
	doc := bootstrap.PolicyDocument{
		Version: "2012-10-17",
		Statement: []bootstrap.Statement{{
			Sid:       "DenyInsecureTransport",
			Effect:    "Deny",
			Principal: map[string]interface{}{"AWS": "*"},
			Action:    "s3:*",
			Resource:  []string{arn, arn + "/*"},
			Condition: map[string]map[string]interface{}{
				"Bool": {"aws:SecureTransport": "false"},
			},
		}},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal bucket policy")
	}
	return string(out), nil
}

func denysInsecureTransport(doc string) bool {
	pd, err := bootstrap.ParsePolicy(doc)
	if err != nil {
		return false
	}
	for _, st := range pd.Statement {
		if st.Effect != "Deny" {
			continue
		}
		switch v := st.Condition["Bool"]["aws:SecureTransport"].(type) {
		case string:
			if strings.EqualFold(v, "false") {
				return true
			}
		case bool:
			if !v {
				return true
			}
		case []interface{}:
			for _, e := range v {
				if s, ok := e.(string); ok && strings.EqualFold(s, "false") {
					return true
				}
			}
		}
	}
	return false
}

func toS3Tags(tags bootstrap.Tags) []s3types.Tag {
	out := make([]s3types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	sort.Slice(out, func(i, j int) bool { return aws.ToString(out[i].Key) < aws.ToString(out[j].Key) })
	return out
}

// CreateBucket implements bootstrap.StoragePlane. The bucket is deleted again
// when any part of its configuration cannot be applied.
func (p *Plane) CreateBucket(ctx context.Context, spec *bootstrap.BucketSpec) error {
	in := &s3.CreateBucketInput{
		Bucket:          aws.String(spec.Name),
		ObjectOwnership: s3types.ObjectOwnershipBucketOwnerEnforced,
	}
	if spec.Region != "" && spec.Region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(spec.Region),
		}
	}
	if _, err := p.s3.CreateBucket(ctx, in); err != nil {
		return bucketErr(err, "s3:CreateBucket", spec.Name)
	}

	cerr := p.tagBucket(ctx, spec)
	if cerr == nil {
		cerr = p.configureBucket(ctx, spec)
	}
	if cerr == nil {
		return nil
	}
	_, derr := p.s3.DeleteBucket(context.WithoutCancel(ctx), &s3.DeleteBucketInput{Bucket: aws.String(spec.Name)})
	if derr != nil {
		return errors.WithSecondaryError(cerr, bucketErr(derr, "s3:DeleteBucket", spec.Name))
	}
	return cerr
}

// ConfigureBucket implements bootstrap.StoragePlane.
func (p *Plane) ConfigureBucket(ctx context.Context, spec *bootstrap.BucketSpec) error {
	if len(spec.Tags) > 0 {
		if err := p.tagBucket(ctx, spec); err != nil {
			return err
		}
	}
	return p.configureBucket(ctx, spec)
}

func (p *Plane) tagBucket(ctx context.Context, spec *bootstrap.BucketSpec) error {
	if len(spec.Tags) == 0 {
		return nil
	}
	_, err := p.s3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(spec.Name),
		Tagging: &s3types.Tagging{TagSet: toS3Tags(spec.Tags)},
	})
	return bucketErr(err, "s3:PutBucketTagging", spec.Name)
}

func (p *Plane) configureBucket(ctx context.Context, spec *bootstrap.BucketSpec) error {
	bucket := aws.String(spec.Name)
	if _, err := p.s3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  bucket,
		VersioningConfiguration: &s3types.VersioningConfiguration{Status: s3types.BucketVersioningStatusEnabled},
	}); err != nil {
		return bucketErr(err, "s3:PutBucketVersioning", spec.Name)
	}
	if _, err := p.s3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: bucket,
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
					SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
					KMSMasterKeyID: aws.String(spec.KeyARN),
				},
				BucketKeyEnabled: aws.Bool(true),
			}},
		},
	}); err != nil {
		return bucketErr(err, "s3:PutBucketEncryption", spec.Name)
	}
	if _, err := p.s3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: bucket,
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return bucketErr(err, "s3:PutPublicAccessBlock", spec.Name)
	}
	if _, err := p.s3.PutBucketOwnershipControls(ctx, &s3.PutBucketOwnershipControlsInput{
		Bucket: bucket,
		OwnershipControls: &s3types.OwnershipControls{
			Rules: []s3types.OwnershipControlsRule{{ObjectOwnership: s3types.ObjectOwnershipBucketOwnerEnforced}},
		},
	}); err != nil {
		return bucketErr(err, "s3:PutBucketOwnershipControls", spec.Name)
	}
	policy, err := tlsOnlyPolicy(p.partition, spec.Name)
	if err != nil {
		return err
	}
	if _, err := p.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{Bucket: bucket, Policy: aws.String(policy)}); err != nil {
		return bucketErr(err, "s3:PutBucketPolicy", spec.Name)
	}
	return nil
}

// SuspendVersioning implements bootstrap.StoragePlane.
func (p *Plane) SuspendVersioning(ctx context.Context, name string) error {
	_, err := p.s3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(name),
		VersioningConfiguration: &s3types.VersioningConfiguration{Status: s3types.BucketVersioningStatusSuspended},
	})
	return bucketErr(err, "s3:PutBucketVersioning", name)
}

// versionToken joins the key and version markers of a listing.
func versionToken(key, version string) string {
	if key == "" && version == "" {
		return ""
	}
	return key + "\x00" + version
}

// ListObjectVersions implements bootstrap.StoragePlane. Delete markers are
// returned alongside versions.
func (p *Plane) ListObjectVersions(ctx context.Context, name, token string) (*bootstrap.ObjectVersionPage, error) {
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(name)}
	if token != "" {
		key, version, _ := strings.Cut(token, "\x00")
		in.KeyMarker = aws.String(key)
		if version != "" {
			in.VersionIdMarker = aws.String(version)
		}
	}
	out, err := p.s3.ListObjectVersions(ctx, in)
	if err != nil {
		return nil, bucketErr(err, "s3:ListObjectVersions", name)
	}
	page := &bootstrap.ObjectVersionPage{}
	for _, v := range out.Versions {
		page.Versions = append(page.Versions, bootstrap.ObjectVersion{Key: aws.ToString(v.Key), VersionID: aws.ToString(v.VersionId)})
	}
	for _, m := range out.DeleteMarkers {
		page.Versions = append(page.Versions, bootstrap.ObjectVersion{Key: aws.ToString(m.Key), VersionID: aws.ToString(m.VersionId), DeleteMarker: true})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = versionToken(aws.ToString(out.NextKeyMarker), aws.ToString(out.NextVersionIdMarker))
	}
	return page, nil
}

// DeleteObjectVersions implements bootstrap.StoragePlane.
func (p *Plane) DeleteObjectVersions(ctx context.Context, name string, versions []bootstrap.ObjectVersion) error {
	for start := 0; start < len(versions); start += deleteBatch {
		end := min(start+deleteBatch, len(versions))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, v := range versions[start:end] {
			id := s3types.ObjectIdentifier{Key: aws.String(v.Key)}
			if v.VersionID != "" {
				id.VersionId = aws.String(v.VersionID)
			}
			ids = append(ids, id)
		}
		out, err := p.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(name),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return bucketErr(err, "s3:DeleteObjects", name)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			kind := codeKinds[aws.ToString(first.Code)]
			if kind == "" {
				kind = bootstrap.KindTransient
			}
			return bootstrap.Errorf(kind, "%d object version(s) could not be deleted, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Code)).
				WithAction("s3:DeleteObjects").WithResource(bootstrap.KindBucket, name)
		}
	}
	return nil
}

// ListMultipartUploads implements bootstrap.StoragePlane.
func (p *Plane) ListMultipartUploads(ctx context.Context, name string) ([]bootstrap.MultipartUpload, error) {
	var uploads []bootstrap.MultipartUpload
	in := &s3.ListMultipartUploadsInput{Bucket: aws.String(name)}
	for {
		out, err := p.s3.ListMultipartUploads(ctx, in)
		if err != nil {
			return nil, bucketErr(err, "s3:ListMultipartUploads", name)
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, bootstrap.MultipartUpload{Key: aws.ToString(u.Key), UploadID: aws.ToString(u.UploadId)})
		}
		if !aws.ToBool(out.IsTruncated) {
			return uploads, nil
		}
		in.KeyMarker = out.NextKeyMarker
		in.UploadIdMarker = out.NextUploadIdMarker
	}
}

// AbortMultipartUpload implements bootstrap.StoragePlane.
func (p *Plane) AbortMultipartUpload(ctx context.Context, name string, upload bootstrap.MultipartUpload) error {
	_, err := p.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(name),
		Key:      aws.String(upload.Key),
		UploadId: aws.String(upload.UploadID),
	})
	return bucketErr(err, "s3:AbortMultipartUpload", name)
}

// DeleteBucket implements bootstrap.StoragePlane.
func (p *Plane) DeleteBucket(ctx context.Context, name string) error {
	_, err := p.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	return bucketErr(err, "s3:DeleteBucket", name)
}
