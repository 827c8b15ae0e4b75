package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/config"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/lock"
	awsplane "github.com/anirudhbiyani/cloud-bootstrap/pkg/providers/aws"
)

func awsPlanes(cfg *config.Config) bootstrap.PlaneFactory {
	opts := []awsplane.FactoryOption{awsplane.WithFactoryPartition(cfg.Partition)}
	if cfg.AccessRole != "" {
		opts = append(opts, awsplane.WithAccessRole(cfg.AccessRole, cfg.ExternalToken))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsplane.WithProfile(cfg.Profile))
	}
	return awsplane.NewFactory(opts...)
}

// openLocker builds the configured lock backend. The "none" backend returns
// a nil Locker.
func openLocker(ctx context.Context, cfg *config.Config) (bootstrap.Locker, error) {
	lc := cfg.Lock
	switch lc.Backend {
	case config.LockNone:
		return nil, nil
	case config.LockRedis:
		return lock.NewRedis(lc.RedisAddr, lc.RedisPassword, lc.RedisDB, lc.TTL)
	case config.LockS3:
		loadOpts := []func(*awsconfig.LoadOptions) error{}
		if lc.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(lc.Region))
		}
		if cfg.Profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, bootstrap.NewError(bootstrap.KindAccessDenied, "failed to load AWS credentials for the lock bucket").WithCause(err)
		}
		return lock.NewS3(s3.NewFromConfig(awsCfg), lc.Bucket, lc.Prefix, lc.TTL), nil
	default:
		return lock.NewMemory(lc.TTL), nil
	}
}
