package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// Factory builds planes from the default credential chain. When AccessRole
// is set, the role of that name in the target account is assumed first.
type Factory struct {
	// AccessRole is the role name assumed in every target account.
	AccessRole string
	// ExternalID is passed as sts:ExternalId when assuming AccessRole.
	ExternalID string
	// Partition is used to build ARNs. Defaults to "aws".
	Partition string
	// SessionName names assumed-role sessions in CloudTrail.
	SessionName string
	// Profile selects a shared config profile.
	Profile string

	planeOpts []PlaneOption
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithAccessRole assumes role in each target account with the external id.
func WithAccessRole(role, externalID string) FactoryOption {
	return func(f *Factory) {
		f.AccessRole = role
		f.ExternalID = externalID
	}
}

// WithProfile selects a shared config profile.
func WithProfile(profile string) FactoryOption {
	return func(f *Factory) {
		f.Profile = profile
	}
}

// WithFactoryPartition sets the partition of every plane.
func WithFactoryPartition(partition string) FactoryOption {
	return func(f *Factory) {
		f.Partition = partition
	}
}

// WithPlaneOptions adds options applied to every plane.
func WithPlaneOptions(opts ...PlaneOption) FactoryOption {
	return func(f *Factory) {
		f.planeOpts = append(f.planeOpts, opts...)
	}
}

// NewFactory creates a Factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{Partition: "aws", SessionName: "cloud-bootstrap"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ bootstrap.PlaneFactory = (*Factory)(nil)

// ForTarget implements bootstrap.PlaneFactory. SDK retries are disabled; the
// orchestrator retries by error kind.
func (f *Factory) ForTarget(ctx context.Context, target bootstrap.Target) (bootstrap.ControlPlane, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(target.Region),
		config.WithRetryMaxAttempts(1),
	}
	if f.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(f.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, bootstrap.NewError(bootstrap.KindAccessDenied, "failed to load AWS credentials").
			WithCause(errors.Wrap(err, "load default config"))
	}
	if f.AccessRole != "" {
		roleARN := fmt.Sprintf("arn:%s:iam::%s:role/%s", f.Partition, target.AccountID, f.AccessRole)
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = f.SessionName
			if f.ExternalID != "" {
				o.ExternalID = aws.String(f.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	opts := append([]PlaneOption{WithPartition(f.Partition)}, f.planeOpts...)
	return NewFromConfig(cfg, target, opts...), nil
}
