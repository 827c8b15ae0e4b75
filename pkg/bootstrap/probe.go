package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/text/cases"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

// Prober answers Absent, Exists or Conflicting for every addressable resource.
// It never mutates the control plane.
type Prober struct {
	settings Settings
	retry    *retrier
	l        *logger.Logger
}

// NewProber creates a prober using the default retry policy.
func NewProber(settings Settings, l *logger.Logger) *Prober {
	if l == nil {
		l = logger.DefaultLogger
	}
	return &Prober{settings: settings, retry: newRetrier(DefaultRetryPolicy, nil, l), l: l}
}

// ownershipReason returns "" when tags mark the resource as owned by env, and
// the reason it is not otherwise. An empty env only checks the project.
func (p *Prober) ownershipReason(tags Tags, env string) string {
	if !tags.Has(TagManagedBy, ManagedByValue) {
		return fmt.Sprintf("exists without ownership marker %s=%s", TagManagedBy, ManagedByValue)
	}
	if v := tags[TagProject]; v != p.settings.Project {
		return fmt.Sprintf("owned by project %q", v)
	}
	if env != "" {
		if v := tags[TagEnvironment]; v != env {
			return fmt.Sprintf("owned by environment %q", v)
		}
	}
	return ""
}

func (p *Prober) debug(env Environment, kind ResourceKind, name string, state ProbeState) {
	p.l.Debug("probed resource",
		slog.String("environment", env.Name),
		slog.String("account_id", env.AccountID),
		slog.String("resource_kind", string(kind)),
		slog.String("resource", name),
		slog.String("state", string(state)))
}

// ProbeProvider probes the account's federated trust provider. The provider
// is shared by every environment of the account, so only the project marker
// is checked.
func (p *Prober) ProbeProvider(ctx context.Context, plane IAMPlane, env Environment) (Probe[LiveProvider], error) {
	arn := p.settings.Provider.ARN(p.settings.Partition, env.AccountID)
	live, err := retryValue(ctx, p.retry, "iam:GetOpenIDConnectProvider", func(ctx context.Context) (*LiveProvider, error) {
		return plane.GetOpenIDConnectProvider(ctx, arn)
	})
	var out Probe[LiveProvider]
	switch {
	case IsNotFound(err):
		out = Probe[LiveProvider]{State: ProbeAbsent}
	case err != nil:
		return out, err
	default:
		out = Probe[LiveProvider]{State: ProbeExists, Current: live}
		if reason := p.ownershipReason(live.Tags, ""); reason != "" {
			out.State, out.Reason = ProbeConflicting, reason
		}
	}
	p.debug(env, KindTrustProvider, arn, out.State)
	return out, nil
}

// ProbeRole probes the role of tier in env. A role whose name differs from the
// canonical name only by case is found as well.
func (p *Prober) ProbeRole(ctx context.Context, plane IAMPlane, env Environment, tier Tier) (Probe[LiveRole], error) {
	name := p.settings.RoleName(tier, env.Name)
	live, err := p.getRole(ctx, plane, name)
	if IsNotFound(err) {
		legacy, lerr := p.findLegacyRole(ctx, plane, name)
		if lerr != nil {
			return Probe[LiveRole]{}, lerr
		}
		if legacy == "" {
			p.debug(env, KindRole, name, ProbeAbsent)
			return Probe[LiveRole]{State: ProbeAbsent}, nil
		}
		p.l.Info("found legacy-named role",
			slog.String("environment", env.Name),
			slog.String("canonical", name),
			slog.String("resource", legacy))
		live, err = p.getRole(ctx, plane, legacy)
	}
	if err != nil {
		return Probe[LiveRole]{}, err
	}

	out := Probe[LiveRole]{State: ProbeExists, Current: live}
	if reason := p.ownershipReason(live.Tags, env.Name); reason != "" {
		out.State, out.Reason = ProbeConflicting, reason
	} else if t := live.Tags[TagTier]; t != "" && t != string(tier) {
		out.State, out.Reason = ProbeConflicting, fmt.Sprintf("tagged as tier %q", t)
	}
	if out.State == ProbeExists {
		if err := p.loadRolePolicies(ctx, plane, live); err != nil {
			return Probe[LiveRole]{}, err
		}
	}
	p.debug(env, KindRole, live.Name, out.State)
	return out, nil
}

func (p *Prober) getRole(ctx context.Context, plane IAMPlane, name string) (*LiveRole, error) {
	return retryValue(ctx, p.retry, "iam:GetRole", func(ctx context.Context) (*LiveRole, error) {
		return plane.GetRole(ctx, name)
	})
}

func (p *Prober) loadRolePolicies(ctx context.Context, plane IAMPlane, live *LiveRole) error {
	managed, err := retryValue(ctx, p.retry, "iam:ListAttachedRolePolicies", func(ctx context.Context) ([]string, error) {
		return plane.ListAttachedRolePolicies(ctx, live.Name)
	})
	if err != nil {
		return err
	}
	inline, err := retryValue(ctx, p.retry, "iam:ListRolePolicies", func(ctx context.Context) (map[string]string, error) {
		return plane.ListRolePolicies(ctx, live.Name)
	})
	if err != nil {
		return err
	}
	sort.Strings(managed)
	live.ManagedPolicies = managed
	live.InlinePolicies = inline
	return nil
}

// findLegacyRole returns the name of a role matching name case-insensitively.
func (p *Prober) findLegacyRole(ctx context.Context, plane IAMPlane, name string) (string, error) {
	roles, err := retryValue(ctx, p.retry, "iam:ListRoles", func(ctx context.Context) ([]LiveRole, error) {
		return plane.ListRoles(ctx)
	})
	if err != nil {
		return "", err
	}
	fold := cases.Fold()
	want := fold.String(name)
	for _, r := range roles {
		if fold.String(r.Name) == want {
			return r.Name, nil
		}
	}
	return "", nil
}

// ProbeLockTable probes the lock table of env.
func (p *Prober) ProbeLockTable(ctx context.Context, plane LockTablePlane, env Environment) (Probe[LiveTable], error) {
	name := p.settings.LockTableName(env.Name)
	live, err := retryValue(ctx, p.retry, "dynamodb:DescribeTable", func(ctx context.Context) (*LiveTable, error) {
		return plane.DescribeTable(ctx, name)
	})
	var out Probe[LiveTable]
	switch {
	case IsNotFound(err):
		out = Probe[LiveTable]{State: ProbeAbsent}
	case err != nil:
		return out, err
	default:
		out = Probe[LiveTable]{State: ProbeExists, Current: live}
		if reason := p.ownershipReason(live.Tags, env.Name); reason != "" {
			out.State, out.Reason = ProbeConflicting, reason
		}
	}
	p.debug(env, KindLockTable, name, out.State)
	return out, nil
}

// keyTags identify the state key of env when its alias is gone.
func (p *Prober) keyTags(env string) Tags {
	return p.settings.ownershipTags(env).merged(Tags{TagResource: "state-key"})
}

// ProbeKey probes the state key of env through its alias. A key whose alias
// was removed by an interrupted teardown is found by its tags and reported
// with no aliases.
func (p *Prober) ProbeKey(ctx context.Context, plane KeyPlane, env Environment) (Probe[LiveKey], error) {
	alias := p.settings.KeyAlias(env.Name)
	live, err := retryValue(ctx, p.retry, "kms:DescribeKey", func(ctx context.Context) (*LiveKey, error) {
		return plane.DescribeAlias(ctx, alias)
	})
	var out Probe[LiveKey]
	switch {
	case IsNotFound(err):
		keys, ferr := p.ownedKeys(ctx, plane, env)
		if ferr != nil {
			return out, ferr
		}
		if len(keys) == 0 {
			out = Probe[LiveKey]{State: ProbeAbsent}
		} else {
			out = Probe[LiveKey]{State: ProbeExists, Current: &keys[0]}
		}
	case err != nil:
		return out, err
	default:
		out = Probe[LiveKey]{State: ProbeExists, Current: live}
		if reason := p.ownershipReason(live.Tags, env.Name); reason != "" {
			out.State, out.Reason = ProbeConflicting, reason
		}
	}
	p.debug(env, KindKey, alias, out.State)
	return out, nil
}

// ownedKeys lists the keys of env that are not pending deletion.
func (p *Prober) ownedKeys(ctx context.Context, plane KeyPlane, env Environment) ([]LiveKey, error) {
	keys, err := retryValue(ctx, p.retry, "kms:ListKeys", func(ctx context.Context) ([]LiveKey, error) {
		return plane.FindKeys(ctx, p.keyTags(env.Name))
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// BucketResolution explains which bucket name an environment uses.
type BucketResolution struct {
	// Name is the bucket name the environment uses or would create.
	Name string
	// Canonical is the canonical bucket name.
	Canonical string
	// CanonicalTaken is set when someone else holds the canonical name.
	CanonicalTaken bool
	// CanonicalConflict is set when the canonical bucket is in the
	// environment's account without our ownership marker.
	CanonicalConflict string
}

type bucketSlot struct {
	state  ProbeState
	live   *LiveBucket
	reason string
	// foreign is set for buckets owned by another account.
	foreign bool
}

func (p *Prober) probeBucketName(ctx context.Context, plane StoragePlane, env Environment, name string) (bucketSlot, error) {
	owned, err := retryValue(ctx, p.retry, "s3:HeadBucket", func(ctx context.Context) (bool, error) {
		return plane.HeadBucket(ctx, name)
	})
	if IsNotFound(err) {
		return bucketSlot{state: ProbeAbsent}, nil
	}
	if err != nil {
		return bucketSlot{}, err
	}
	if !owned {
		return bucketSlot{state: ProbeConflicting, reason: "name is held by another account", foreign: true}, nil
	}
	live, err := retryValue(ctx, p.retry, "s3:GetBucket", func(ctx context.Context) (*LiveBucket, error) {
		return plane.GetBucket(ctx, name)
	})
	if err != nil {
		return bucketSlot{}, err
	}
	if reason := p.ownershipReason(live.Tags, env.Name); reason != "" {
		return bucketSlot{state: ProbeConflicting, live: live, reason: reason}, nil
	}
	return bucketSlot{state: ProbeExists, live: live}, nil
}

// ProbeBucket probes the state bucket of env and resolves the naming
// collision policy: when the canonical name is held by a bucket we do not own,
// the account-derived suffixed name is used instead.
func (p *Prober) ProbeBucket(ctx context.Context, plane StoragePlane, env Environment) (Probe[LiveBucket], BucketResolution, error) {
	canonical := p.settings.BucketName(env.Name)
	suffixed := p.settings.SuffixedBucketName(env.Name, env.AccountID)
	res := BucketResolution{Name: canonical, Canonical: canonical}

	cs, err := p.probeBucketName(ctx, plane, env, canonical)
	if err != nil {
		return Probe[LiveBucket]{}, res, err
	}
	if cs.state == ProbeExists {
		p.debug(env, KindBucket, canonical, ProbeExists)
		return Probe[LiveBucket]{State: ProbeExists, Current: cs.live}, res, nil
	}
	if cs.state == ProbeAbsent {
		// The suffixed bucket may still exist from a run that saw a collision
		// which has since been cleared.
		ss, err := p.probeBucketName(ctx, plane, env, suffixed)
		if err != nil {
			return Probe[LiveBucket]{}, res, err
		}
		if ss.state == ProbeExists {
			res.Name = suffixed
			p.debug(env, KindBucket, suffixed, ProbeExists)
			return Probe[LiveBucket]{State: ProbeExists, Current: ss.live}, res, nil
		}
		p.debug(env, KindBucket, canonical, ProbeAbsent)
		return Probe[LiveBucket]{State: ProbeAbsent}, res, nil
	}

	res.CanonicalTaken = true
	if !cs.foreign {
		res.CanonicalConflict = cs.reason
	}
	res.Name = suffixed
	ss, err := p.probeBucketName(ctx, plane, env, suffixed)
	if err != nil {
		return Probe[LiveBucket]{}, res, err
	}
	out := Probe[LiveBucket]{State: ss.state, Current: ss.live, Reason: ss.reason}
	p.debug(env, KindBucket, suffixed, out.State)
	return out, res, nil
}
