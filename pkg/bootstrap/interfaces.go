package bootstrap

import (
	"context"
	"time"
)

// IAMPlane abstracts the identity control plane of one account.
type IAMPlane interface {
	// Role operations. GetRole returns a KindNotFound error for missing roles.
	GetRole(ctx context.Context, name string) (*LiveRole, error)
	ListRoles(ctx context.Context) ([]LiveRole, error)
	CreateRole(ctx context.Context, input *CreateRoleInput) (*LiveRole, error)
	UpdateAssumeRolePolicy(ctx context.Context, name, document string) error
	UpdateMaxSessionDuration(ctx context.Context, name string, seconds int32) error
	DeleteRole(ctx context.Context, name string) error

	// Policy operations
	AttachRolePolicy(ctx context.Context, roleName, policyARN string) error
	DetachRolePolicy(ctx context.Context, roleName, policyARN string) error
	ListAttachedRolePolicies(ctx context.Context, roleName string) ([]string, error)
	PutRolePolicy(ctx context.Context, roleName, policyName, document string) error
	DeleteRolePolicy(ctx context.Context, roleName, policyName string) error
	ListRolePolicies(ctx context.Context, roleName string) (map[string]string, error)

	// Federated provider operations
	GetOpenIDConnectProvider(ctx context.Context, arn string) (*LiveProvider, error)
	CreateOpenIDConnectProvider(ctx context.Context, input *CreateProviderInput) (string, error)
	UpdateOpenIDConnectProviderThumbprints(ctx context.Context, arn string, thumbprints []string) error
	AddOpenIDConnectProviderAudience(ctx context.Context, arn, audience string) error
	DeleteOpenIDConnectProvider(ctx context.Context, arn string) error
}

// StoragePlane abstracts the object store of one account and region.
type StoragePlane interface {
	// HeadBucket reports whether name exists and whether the caller's account
	// owns it. Missing buckets return a KindNotFound error; a denied probe of
	// a bucket in the caller's own account returns KindAccessDenied.
	HeadBucket(ctx context.Context, name string) (owned bool, err error)
	GetBucket(ctx context.Context, name string) (*LiveBucket, error)
	// CreateBucket creates the bucket with its full safety configuration. A
	// failure while configuring deletes the bucket again, so the bucket is
	// never left partially configured.
	CreateBucket(ctx context.Context, spec *BucketSpec) error
	// ConfigureBucket re-applies the safety configuration of an existing bucket.
	ConfigureBucket(ctx context.Context, spec *BucketSpec) error
	SuspendVersioning(ctx context.Context, name string) error
	ListObjectVersions(ctx context.Context, name, token string) (*ObjectVersionPage, error)
	DeleteObjectVersions(ctx context.Context, name string, versions []ObjectVersion) error
	ListMultipartUploads(ctx context.Context, name string) ([]MultipartUpload, error)
	AbortMultipartUpload(ctx context.Context, name string, upload MultipartUpload) error
	DeleteBucket(ctx context.Context, name string) error
}

// LockTablePlane abstracts the lock table store.
type LockTablePlane interface {
	DescribeTable(ctx context.Context, name string) (*LiveTable, error)
	// CreateTable returns once the table is usable.
	CreateTable(ctx context.Context, spec *TableSpec) (*LiveTable, error)
	DeleteTable(ctx context.Context, name string) error
}

// KeyPlane abstracts the key management service.
type KeyPlane interface {
	// DescribeAlias resolves an alias to its key.
	DescribeAlias(ctx context.Context, alias string) (*LiveKey, error)
	// FindKeys returns keys that are not pending deletion and carry all tags.
	FindKeys(ctx context.Context, tags Tags) ([]LiveKey, error)
	CreateKey(ctx context.Context, spec *KeySpec) (*LiveKey, error)
	EnableKeyRotation(ctx context.Context, keyID string) error
	CreateAlias(ctx context.Context, alias, keyID string) error
	DeleteAlias(ctx context.Context, alias string) error
	ScheduleKeyDeletion(ctx context.Context, keyID string, windowDays int32) (time.Time, error)
}

// IdentityPlane reports who the credentials belong to.
type IdentityPlane interface {
	CallerAccount(ctx context.Context) (string, error)
}

// ControlPlane is the full set of operations against one account and region.
type ControlPlane interface {
	IAMPlane
	StoragePlane
	LockTablePlane
	KeyPlane
	IdentityPlane
}

// PlaneFactory builds a control plane bound to an explicit account and region.
type PlaneFactory interface {
	ForTarget(ctx context.Context, target Target) (ControlPlane, error)
}

// PlaneFactoryFunc adapts a function to PlaneFactory.
type PlaneFactoryFunc func(ctx context.Context, target Target) (ControlPlane, error)

// ForTarget implements PlaneFactory.
func (f PlaneFactoryFunc) ForTarget(ctx context.Context, target Target) (ControlPlane, error) {
	return f(ctx, target)
}

// CreateRoleInput contains parameters for creating a role.
type CreateRoleInput struct {
	Name               string
	TrustPolicy        string
	Description        string
	MaxSessionDuration int32
	Tags               Tags
}

// CreateProviderInput contains parameters for creating a federated provider.
type CreateProviderInput struct {
	URL         string
	Audiences   []string
	Thumbprints []string
	Tags        Tags
}

// BucketSpec is the desired configuration of a state bucket.
type BucketSpec struct {
	Name   string
	Region string
	KeyARN string
	Tags   Tags
}

// TableSpec is the desired configuration of a lock table.
type TableSpec struct {
	Name    string
	HashKey string
	KeyARN  string
	Tags    Tags
}

// KeySpec is the desired configuration of an encryption key.
type KeySpec struct {
	Description string
	Tags        Tags
}

// ObjectVersion identifies one object version or delete marker.
type ObjectVersion struct {
	Key          string
	VersionID    string
	DeleteMarker bool
}

// ObjectVersionPage is one page of a version listing. NextToken is empty on
// the last page.
type ObjectVersionPage struct {
	Versions  []ObjectVersion
	NextToken string
}

// MultipartUpload identifies an in-progress multipart upload.
type MultipartUpload struct {
	Key      string
	UploadID string
}

// Locker acquires the advisory bootstrap lock of an environment.
type Locker interface {
	Acquire(ctx context.Context, req LockRequest) (Lease, error)
}

// LockRequest describes who wants the lock.
type LockRequest struct {
	Environment string
	AccountID   string
	RunID       string
	Operation   string
}

// Lease is a held advisory lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Guard evaluates generated trust policies before they are applied.
type Guard interface {
	Evaluate(ctx context.Context, input GuardInput) ([]Finding, error)
}

// Clock supplies time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
