package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

// ensureRoleChain ensures every tier of the trust model in creation order.
// The orchestration role is ensured before the deployment role because the
// deployment role trusts its ARN.
func (o *Orchestrator) ensureRoleChain(ctx context.Context, plane IAMPlane, env Environment, provider ProviderRef, opts BootstrapOptions) ([]RoleRef, error) {
	tiers := o.settings.TrustModel.Tiers()
	if err := o.checkExternalToken(ctx, plane, env, provider, opts.RotateExternalToken); err != nil {
		return nil, err
	}

	in := chainInputs{providerARN: provider.ARN}
	refs := make([]RoleRef, 0, len(tiers))
	for _, tier := range tiers {
		if err := checkpoint(ctx); err != nil {
			return refs, err
		}
		spec, err := o.settings.RoleSpec(env, tier, in)
		if err != nil {
			return refs, err
		}
		ref, err := o.EnsureRole(ctx, plane, env, spec)
		if err != nil {
			return refs, err
		}
		if tier == TierOrchestration {
			in.orchestrationARN = ref.ARN
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// canonicalTrust renders and guards the trust policy of spec.
func (o *Orchestrator) canonicalTrust(ctx context.Context, env Environment, spec RoleSpec) (string, error) {
	doc, err := TrustDocument(spec.Trust)
	if err != nil {
		return "", err
	}
	var providerARN string
	if f, ok := spec.Trust.(FederatedProvider); ok {
		providerARN = f.ProviderARN
	}
	findings, err := runGuards(ctx, o.guards, GuardInput{
		Environment: env.Name,
		AccountID:   env.AccountID,
		Tier:        spec.Tier,
		RoleName:    spec.Name,
		Repository:  o.settings.Repository,
		TrustModel:  o.settings.TrustModel,
		ProviderARN: providerARN,
		Policy:      doc,
	})
	if err != nil {
		return "", err
	}
	for _, f := range findings {
		if f.Severity == SeverityWarn {
			o.log(ctx, env).Warn("trust policy guard warning",
				slog.String("resource", spec.Name),
				slog.String("code", f.Code),
				slog.String("message", f.Message))
		}
	}
	return TrustPolicyJSON(spec.Trust)
}

// EnsureRole creates the role of spec or brings an existing owned role back to
// spec. Creation and permission attachment form one unit: if attachment
// fails the role is deleted again before the error is returned.
func (o *Orchestrator) EnsureRole(ctx context.Context, plane IAMPlane, env Environment, spec RoleSpec) (RoleRef, error) {
	trust, err := o.canonicalTrust(ctx, env, spec)
	if err != nil {
		return RoleRef{}, err
	}
	l := o.log(ctx, env).With(
		slog.String("resource_kind", string(KindRole)),
		slog.String("tier", string(spec.Tier)))

	for attempt := 0; attempt < 2; attempt++ {
		probe, err := o.prober.ProbeRole(ctx, plane, env, spec.Tier)
		if err != nil {
			return RoleRef{}, err
		}
		switch probe.State {
		case ProbeConflicting:
			name := spec.Name
			if probe.Current != nil {
				name = probe.Current.Name
			}
			return RoleRef{}, ErrConflicting(KindRole, name, "role "+probe.Reason)
		case ProbeExists:
			return o.reconcileRole(ctx, plane, spec, probe.Current, trust, l)
		case ProbeAbsent:
			ref, err := o.createRole(ctx, plane, spec, trust, l)
			if IsKind(err, KindAlreadyExists) {
				continue
			}
			return ref, err
		}
	}
	return RoleRef{}, NewError(KindDependencyNotReady, "role appeared and vanished while probing").
		WithResource(KindRole, spec.Name)
}

func (o *Orchestrator) createRole(ctx context.Context, plane IAMPlane, spec RoleSpec, trust string, l *logger.Logger) (RoleRef, error) {
	if err := checkpoint(ctx); err != nil {
		return RoleRef{}, err
	}
	// Once the role exists the unit runs to completion or rollback, even if
	// the run is cancelled.
	actx := atomic(ctx)

	role, err := retryValue(actx, o.retry, "iam:CreateRole", func(ctx context.Context) (*LiveRole, error) {
		return plane.CreateRole(ctx, &CreateRoleInput{
			Name:               spec.Name,
			TrustPolicy:        trust,
			Description:        spec.Description,
			MaxSessionDuration: spec.MaxSessionSeconds,
			Tags:               o.creationTags(ctx, spec.Tags),
		})
	})
	if err != nil {
		return RoleRef{}, err
	}
	l.Info("created role", slog.String("resource", role.ARN), slog.String("action", "iam:CreateRole"))

	var attached []string
	inlinePut := false
	fail := func(action string, cause error) error {
		comp := o.rollbackRole(actx, plane, spec, attached, inlinePut, l)
		primary := NewError(KindOf(cause), "attaching permission set failed; role creation rolled back").
			WithAction(action).
			WithResource(KindRole, role.ARN).
			WithCause(cause).
			WithRetrySafe(true)
		return withCompensation(primary, comp)
	}

	for _, policyARN := range spec.Permissions.ManagedPolicies {
		policyARN := policyARN
		err := o.retry.do(actx, "iam:AttachRolePolicy", func(ctx context.Context) error {
			return plane.AttachRolePolicy(ctx, spec.Name, policyARN)
		})
		if err != nil {
			return RoleRef{}, fail("iam:AttachRolePolicy", err)
		}
		attached = append(attached, policyARN)
	}
	if spec.Permissions.InlinePolicy != "" {
		err := o.retry.do(actx, "iam:PutRolePolicy", func(ctx context.Context) error {
			return plane.PutRolePolicy(ctx, spec.Name, spec.InlinePolicyName, spec.Permissions.InlinePolicy)
		})
		if err != nil {
			return RoleRef{}, fail("iam:PutRolePolicy", err)
		}
		inlinePut = true
	}
	return RoleRef{Tier: spec.Tier, Name: role.Name, ARN: role.ARN, Action: ActionCreated}, nil
}

// rollbackRole undoes a partially created role in teardown order. Every
// failure is returned so it can be reported next to the primary error.
func (o *Orchestrator) rollbackRole(ctx context.Context, plane IAMPlane, spec RoleSpec, attached []string, inlinePut bool, l *logger.Logger) []error {
	var errs []error
	for _, policyARN := range attached {
		policyARN := policyARN
		err := o.retry.do(ctx, "iam:DetachRolePolicy", func(ctx context.Context) error {
			return plane.DetachRolePolicy(ctx, spec.Name, policyARN)
		})
		if err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	if inlinePut {
		err := o.retry.do(ctx, "iam:DeleteRolePolicy", func(ctx context.Context) error {
			return plane.DeleteRolePolicy(ctx, spec.Name, spec.InlinePolicyName)
		})
		if err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	err := o.retry.do(ctx, "iam:DeleteRole", func(ctx context.Context) error {
		return plane.DeleteRole(ctx, spec.Name)
	})
	if err != nil && !IsNotFound(err) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		l.Error("role rollback incomplete", slog.String("resource", spec.Name), slog.Int("failures", len(errs)))
	} else {
		l.Warn("rolled back role", slog.String("resource", spec.Name))
	}
	return errs
}

// reconcileRole corrects drift of an owned role: trust policy, session length,
// and permission set.
func (o *Orchestrator) reconcileRole(ctx context.Context, plane IAMPlane, spec RoleSpec, live *LiveRole, trust string, l *logger.Logger) (RoleRef, error) {
	ref := RoleRef{Tier: spec.Tier, Name: live.Name, ARN: live.ARN, Action: ActionNoop}
	if live.Name != spec.Name {
		ref.Action = ActionAdopted
	}
	l = l.With(slog.String("resource", live.ARN))
	changed := false
	step := func(action string, fn func(context.Context) error) error {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		if err := o.retry.do(ctx, action, fn); err != nil {
			return err
		}
		l.Info("corrected role drift", slog.String("action", action))
		changed = true
		return nil
	}

	same, err := EquivalentPolicies(live.TrustPolicy, trust)
	if err != nil {
		// An unparseable live policy is drift like any other.
		same = false
	}
	if !same {
		if err := step("iam:UpdateAssumeRolePolicy", func(ctx context.Context) error {
			return plane.UpdateAssumeRolePolicy(ctx, live.Name, trust)
		}); err != nil {
			return ref, err
		}
	}
	if spec.MaxSessionSeconds != 0 && live.MaxSessionSeconds != spec.MaxSessionSeconds {
		if err := step("iam:UpdateRole", func(ctx context.Context) error {
			return plane.UpdateMaxSessionDuration(ctx, live.Name, spec.MaxSessionSeconds)
		}); err != nil {
			return ref, err
		}
	}
	for _, policyARN := range spec.Permissions.ManagedPolicies {
		policyARN := policyARN
		if containsFold(live.ManagedPolicies, policyARN) {
			continue
		}
		if err := step("iam:AttachRolePolicy", func(ctx context.Context) error {
			return plane.AttachRolePolicy(ctx, live.Name, policyARN)
		}); err != nil {
			return ref, err
		}
	}
	for _, policyARN := range live.ManagedPolicies {
		policyARN := policyARN
		if containsFold(spec.Permissions.ManagedPolicies, policyARN) {
			continue
		}
		if err := step("iam:DetachRolePolicy", func(ctx context.Context) error {
			return plane.DetachRolePolicy(ctx, live.Name, policyARN)
		}); err != nil {
			return ref, err
		}
	}
	inlineNames := make([]string, 0, len(live.InlinePolicies))
	for name := range live.InlinePolicies {
		inlineNames = append(inlineNames, name)
	}
	sort.Strings(inlineNames)
	for _, name := range inlineNames {
		name := name
		if name == spec.InlinePolicyName && spec.Permissions.InlinePolicy != "" {
			continue
		}
		if err := step("iam:DeleteRolePolicy", func(ctx context.Context) error {
			return plane.DeleteRolePolicy(ctx, live.Name, name)
		}); err != nil {
			return ref, err
		}
	}
	if spec.Permissions.InlinePolicy != "" {
		current, ok := live.InlinePolicies[spec.InlinePolicyName]
		same := false
		if ok {
			same, _ = EquivalentPolicies(current, spec.Permissions.InlinePolicy)
		}
		if !same {
			if err := step("iam:PutRolePolicy", func(ctx context.Context) error {
				return plane.PutRolePolicy(ctx, live.Name, spec.InlinePolicyName, spec.Permissions.InlinePolicy)
			}); err != nil {
				return ref, err
			}
		}
	}
	if changed && ref.Action == ActionNoop {
		ref.Action = ActionUpdated
	}
	return ref, nil
}

type staleTrust struct {
	name     string
	previous string
	next     string
}

// checkExternalToken enforces that the external token of an environment does
// not change silently. Roles whose live trust requires a different token are
// rotated together when rotate is set: either all of them take the new token
// or all are reverted.
func (o *Orchestrator) checkExternalToken(ctx context.Context, plane IAMPlane, env Environment, provider ProviderRef, rotate bool) error {
	tiers := o.settings.TrustModel.Tiers()
	probes := make(map[Tier]Probe[LiveRole], len(tiers))
	for _, tier := range tiers {
		p, err := o.prober.ProbeRole(ctx, plane, env, tier)
		if err != nil {
			return err
		}
		probes[tier] = p
	}

	in := chainInputs{providerARN: provider.ARN}
	if p := probes[TierOrchestration]; p.Exists() {
		in.orchestrationARN = p.Current.ARN
	} else {
		in.orchestrationARN = o.settings.RoleARN(env.AccountID, o.settings.RoleName(TierOrchestration, env.Name))
	}

	var stale []staleTrust
	for _, tier := range tiers {
		p := probes[tier]
		if !p.Exists() {
			continue
		}
		ids := ExternalIDs(p.Current.TrustPolicy)
		if len(ids) == 0 || containsExact(ids, o.settings.ExternalToken) {
			continue
		}
		spec, err := o.settings.RoleSpec(env, tier, in)
		if err != nil {
			return err
		}
		next, err := o.canonicalTrust(ctx, env, spec)
		if err != nil {
			return err
		}
		stale = append(stale, staleTrust{name: p.Current.Name, previous: p.Current.TrustPolicy, next: next})
	}
	if len(stale) == 0 {
		return nil
	}

	names := make([]string, len(stale))
	for i, s := range stale {
		names[i] = s.name
	}
	if !rotate {
		return ErrConflicting(KindRole, strings.Join(names, ","),
			fmt.Sprintf("external token differs from the one %d role(s) were created with; re-run with --rotate-external-token to replace it", len(stale)))
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	l := o.log(ctx, env)
	actx := atomic(ctx)
	var done []staleTrust
	for _, s := range stale {
		s := s
		err := o.retry.do(actx, "iam:UpdateAssumeRolePolicy", func(ctx context.Context) error {
			return plane.UpdateAssumeRolePolicy(ctx, s.name, s.next)
		})
		if err == nil {
			done = append(done, s)
			continue
		}
		var comp []error
		for i := len(done) - 1; i >= 0; i-- {
			prev := done[i]
			rerr := o.retry.do(actx, "iam:UpdateAssumeRolePolicy", func(ctx context.Context) error {
				return plane.UpdateAssumeRolePolicy(ctx, prev.name, prev.previous)
			})
			if rerr != nil {
				comp = append(comp, rerr)
			}
		}
		primary := NewError(KindOf(err), "external token rotation failed; rotated roles reverted").
			WithAction("iam:UpdateAssumeRolePolicy").
			WithResource(KindRole, s.name).
			WithCause(err).
			WithRetrySafe(true)
		return withCompensation(primary, comp)
	}
	l.Info("rotated external token", slog.Any("roles", names))
	return nil
}

func containsExact(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
