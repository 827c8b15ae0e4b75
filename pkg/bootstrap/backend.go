package bootstrap

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

// LockHashKey is the partition key Terraform's S3 backend expects.
const LockHashKey = "LockID"

// Table statuses the provisioner reacts to.
const (
	TableActive   = "ACTIVE"
	TableCreating = "CREATING"
	TableDeleting = "DELETING"
)

// backendRun tracks what one EnsureBackend call created, so a failure of a
// later step can remove exactly those resources.
type backendRun struct {
	o     *Orchestrator
	plane ControlPlane
	env   Environment
	l     *logger.Logger

	createdKey   *LiveKey
	createdAlias bool
	createdTable string
}

// EnsureBackend provisions the state backend of env in order: key and alias,
// lock table, bucket. When a step fails, resources created earlier in the same
// call are removed again so the backend is complete or absent. Cancellation
// between steps leaves created resources in place; the next run adopts them.
func (o *Orchestrator) EnsureBackend(ctx context.Context, plane ControlPlane, env Environment) (BackendRef, error) {
	run := &backendRun{o: o, plane: plane, env: env, l: o.log(ctx, env)}
	ref := BackendRef{KeyAlias: o.settings.KeyAlias(env.Name), Action: ActionNoop}

	key, keyAction, err := run.ensureKey(ctx)
	if err != nil {
		return ref, run.fail(err)
	}
	ref.KeyID, ref.KeyARN = key.ID, key.ARN
	ref.Action = merge(ref.Action, keyAction)

	table, tableAction, err := run.ensureTable(ctx, key)
	if err != nil {
		return ref, run.fail(err)
	}
	ref.LockTable, ref.LockTableARN = table.Name, table.ARN
	ref.Action = merge(ref.Action, tableAction)

	bucket, bucketAction, err := run.ensureBucket(ctx, key)
	if err != nil {
		return ref, run.fail(err)
	}
	ref.Bucket = bucket
	ref.VersioningEnabled = true
	ref.EncryptionEnabled = true
	ref.Action = merge(ref.Action, bucketAction)
	return ref, nil
}

// merge keeps the most significant action of a composite resource.
func merge(a, b RefAction) RefAction {
	rank := map[RefAction]int{ActionNoop: 0, ActionAdopted: 1, ActionUpdated: 2, ActionCreated: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (r *backendRun) fail(err error) error {
	if IsKind(err, KindCancelled) {
		return err
	}
	if r.createdKey == nil && r.createdTable == "" {
		return err
	}
	comp := r.rollback(atomic(context.Background()))
	var e *Error
	if errors.As(err, &e) && len(comp) == 0 {
		e.RetrySafe = true
	}
	return withCompensation(err, comp)
}

// rollback removes what this run created, in teardown order.
func (r *backendRun) rollback(ctx context.Context) []error {
	var errs []error
	retry := r.o.retry
	if r.createdTable != "" {
		name := r.createdTable
		err := retry.do(ctx, "dynamodb:DeleteTable", func(ctx context.Context) error {
			return r.plane.DeleteTable(ctx, name)
		})
		if err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		} else {
			r.l.Warn("rolled back lock table", slog.String("resource", name))
		}
	}
	if r.createdKey != nil {
		key := r.createdKey
		if r.createdAlias {
			alias := r.o.settings.KeyAlias(r.env.Name)
			err := retry.do(ctx, "kms:DeleteAlias", func(ctx context.Context) error {
				return r.plane.DeleteAlias(ctx, alias)
			})
			if err != nil && !IsNotFound(err) {
				errs = append(errs, err)
			}
		}
		err := retry.do(ctx, "kms:ScheduleKeyDeletion", func(ctx context.Context) error {
			_, err := r.plane.ScheduleKeyDeletion(ctx, key.ID, r.o.settings.KeyDeletionWindowDays)
			return err
		})
		if err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		} else {
			r.l.Warn("rolled back state key", slog.String("resource", key.ARN))
		}
	}
	return errs
}

func (r *backendRun) ensureKey(ctx context.Context) (*LiveKey, RefAction, error) {
	alias := r.o.settings.KeyAlias(r.env.Name)
	probe, err := r.o.prober.ProbeKey(ctx, r.plane, r.env)
	if err != nil {
		return nil, "", err
	}
	switch probe.State {
	case ProbeConflicting:
		return nil, "", ErrConflicting(KindKey, alias, "key behind alias "+probe.Reason)
	case ProbeExists:
		return r.reconcileKey(ctx, probe.Current, alias)
	}

	if err := checkpoint(ctx); err != nil {
		return nil, "", err
	}
	actx := atomic(ctx)
	tags := r.o.creationTags(ctx, r.o.prober.keyTags(r.env.Name))
	key, err := retryValue(actx, r.o.retry, "kms:CreateKey", func(ctx context.Context) (*LiveKey, error) {
		return r.plane.CreateKey(ctx, &KeySpec{
			Description: "Terraform state encryption for " + r.o.settings.Project + " " + r.env.Name,
			Tags:        tags,
		})
	})
	if err != nil {
		return nil, "", err
	}
	r.createdKey = key
	r.l.Info("created state key",
		slog.String("resource_kind", string(KindKey)),
		slog.String("resource", key.ARN),
		slog.String("action", "kms:CreateKey"))

	if err := r.o.retry.do(actx, "kms:EnableKeyRotation", func(ctx context.Context) error {
		return r.plane.EnableKeyRotation(ctx, key.ID)
	}); err != nil {
		return nil, "", err
	}
	if err := r.o.retry.do(actx, "kms:CreateAlias", func(ctx context.Context) error {
		return r.plane.CreateAlias(ctx, alias, key.ID)
	}); err != nil {
		return nil, "", err
	}
	r.createdAlias = true
	key.RotationEnabled = true
	key.Aliases = append(key.Aliases, alias)
	return key, ActionCreated, nil
}

func (r *backendRun) reconcileKey(ctx context.Context, key *LiveKey, alias string) (*LiveKey, RefAction, error) {
	switch key.State {
	case KeyStatePendingDeletion:
		return nil, "", NewError(KindManualIntervention,
			"state key is pending deletion; cancel the deletion or wait for it to complete").
			WithResource(KindKey, key.ARN)
	case KeyStateDisabled:
		return nil, "", NewError(KindManualIntervention, "state key is disabled").
			WithResource(KindKey, key.ARN)
	}
	action := ActionNoop
	l := r.l.With(slog.String("resource_kind", string(KindKey)), slog.String("resource", key.ARN))
	if !key.RotationEnabled {
		if err := checkpoint(ctx); err != nil {
			return nil, "", err
		}
		if err := r.o.retry.do(ctx, "kms:EnableKeyRotation", func(ctx context.Context) error {
			return r.plane.EnableKeyRotation(ctx, key.ID)
		}); err != nil {
			return nil, "", err
		}
		key.RotationEnabled = true
		action = ActionUpdated
		l.Info("enabled key rotation", slog.String("action", "kms:EnableKeyRotation"))
	}
	if !containsExact(key.Aliases, alias) {
		// The alias was removed by an interrupted teardown.
		if err := checkpoint(ctx); err != nil {
			return nil, "", err
		}
		if err := r.o.retry.do(ctx, "kms:CreateAlias", func(ctx context.Context) error {
			return r.plane.CreateAlias(ctx, alias, key.ID)
		}); err != nil {
			return nil, "", err
		}
		key.Aliases = append(key.Aliases, alias)
		action = ActionAdopted
		l.Info("restored key alias", slog.String("action", "kms:CreateAlias"), slog.String("alias", alias))
	}
	return key, action, nil
}

func (r *backendRun) ensureTable(ctx context.Context, key *LiveKey) (*LiveTable, RefAction, error) {
	name := r.o.settings.LockTableName(r.env.Name)
	for attempt := 0; attempt < 2; attempt++ {
		probe, err := r.o.prober.ProbeLockTable(ctx, r.plane, r.env)
		if err != nil {
			return nil, "", err
		}
		switch probe.State {
		case ProbeConflicting:
			return nil, "", ErrConflicting(KindLockTable, name, "lock table "+probe.Reason)
		case ProbeExists:
			return r.checkTable(probe.Current, key)
		}

		if err := checkpoint(ctx); err != nil {
			return nil, "", err
		}
		tags := r.o.creationTags(ctx, r.o.settings.ownershipTags(r.env.Name).merged(Tags{TagResource: "state-lock"}))
		table, err := retryValue(atomic(ctx), r.o.retry, "dynamodb:CreateTable", func(ctx context.Context) (*LiveTable, error) {
			return r.plane.CreateTable(ctx, &TableSpec{Name: name, HashKey: LockHashKey, KeyARN: key.ARN, Tags: tags})
		})
		if IsKind(err, KindAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		r.createdTable = name
		r.l.Info("created lock table",
			slog.String("resource_kind", string(KindLockTable)),
			slog.String("resource", table.ARN),
			slog.String("action", "dynamodb:CreateTable"))
		return table, ActionCreated, nil
	}
	return nil, "", NewError(KindDependencyNotReady, "lock table appeared and vanished while probing").
		WithResource(KindLockTable, name)
}

func (r *backendRun) checkTable(table *LiveTable, key *LiveKey) (*LiveTable, RefAction, error) {
	switch {
	case table.Status == TableDeleting:
		return nil, "", NewError(KindDependencyNotReady, "lock table is being deleted").
			WithResource(KindLockTable, table.ARN)
	case table.HashKey != LockHashKey:
		return nil, "", Errorf(KindManualIntervention, "lock table is keyed on %q instead of %q", table.HashKey, LockHashKey).
			WithResource(KindLockTable, table.ARN)
	}
	if table.SSEKeyARN != "" && table.SSEKeyARN != key.ARN {
		r.l.Warn("lock table is encrypted with a different key",
			slog.String("resource", table.ARN),
			slog.String("key", table.SSEKeyARN))
	}
	return table, ActionNoop, nil
}

func (r *backendRun) bucketSpec(ctx context.Context, name string, key *LiveKey) *BucketSpec {
	return &BucketSpec{
		Name:   name,
		Region: r.env.Region,
		KeyARN: key.ARN,
		Tags:   r.o.creationTags(ctx, r.o.settings.ownershipTags(r.env.Name).merged(Tags{TagResource: "state-bucket"})),
	}
}

// bucketDrift reports whether b lacks any of the safety settings.
func bucketDrift(b *LiveBucket, keyARN string) bool {
	return b.Versioning != VersioningEnabled ||
		b.Encryption == nil ||
		b.Encryption.KeyARN != keyARN ||
		!b.Encryption.BucketKeyEnabled ||
		!b.PublicAccessBlocked ||
		!b.OwnerEnforced ||
		!b.TLSOnly
}

func (r *backendRun) ensureBucket(ctx context.Context, key *LiveKey) (string, RefAction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		probe, res, err := r.o.prober.ProbeBucket(ctx, r.plane, r.env)
		if err != nil {
			return "", "", err
		}
		if res.CanonicalTaken {
			r.l.Info("canonical bucket name unavailable, using account-derived name",
				slog.String("canonical", res.Canonical),
				slog.String("resource", res.Name))
		}
		l := r.l.With(slog.String("resource_kind", string(KindBucket)), slog.String("resource", res.Name))

		switch probe.State {
		case ProbeConflicting:
			return "", "", ErrConflicting(KindBucket, res.Name, "bucket "+probe.Reason)
		case ProbeExists:
			if !bucketDrift(probe.Current, key.ARN) {
				return res.Name, ActionNoop, nil
			}
			if err := checkpoint(ctx); err != nil {
				return "", "", err
			}
			spec := r.bucketSpec(ctx, res.Name, key)
			spec.Tags = nil
			if err := r.o.retry.do(atomic(ctx), "s3:PutBucketConfiguration", func(ctx context.Context) error {
				return r.plane.ConfigureBucket(ctx, spec)
			}); err != nil {
				return "", "", err
			}
			l.Info("re-applied bucket safety configuration", slog.String("action", "s3:PutBucketConfiguration"))
			return res.Name, ActionUpdated, nil
		}

		if err := checkpoint(ctx); err != nil {
			return "", "", err
		}
		spec := r.bucketSpec(ctx, res.Name, key)
		err = r.o.retry.do(atomic(ctx), "s3:CreateBucket", func(ctx context.Context) error {
			return r.plane.CreateBucket(ctx, spec)
		})
		if IsKind(err, KindAlreadyExists) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		l.Info("created state bucket", slog.String("action", "s3:CreateBucket"))
		return res.Name, ActionCreated, nil
	}
	return "", "", NewError(KindDependencyNotReady, "bucket name changed hands while probing").
		WithResource(KindBucket, r.o.settings.BucketName(r.env.Name))
}
