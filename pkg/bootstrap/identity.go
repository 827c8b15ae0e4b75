package bootstrap

import (
	"context"
	"log/slog"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

func (o *Orchestrator) log(ctx context.Context, env Environment) *logger.Logger {
	return o.envLogger(env, runIDFrom(ctx))
}

// EnsureTrustProvider creates or verifies the federated trust provider of
// env's account. Thumbprint and audience drift is corrected in place; a
// provider without our ownership marker needs an operator.
func (o *Orchestrator) EnsureTrustProvider(ctx context.Context, plane IAMPlane, env Environment) (ProviderRef, error) {
	spec := o.settings.Provider
	arn := spec.ARN(o.settings.Partition, env.AccountID)
	l := o.log(ctx, env).With(slog.String("resource_kind", string(KindTrustProvider)), slog.String("resource", arn))

	for attempt := 0; attempt < 2; attempt++ {
		probe, err := o.prober.ProbeProvider(ctx, plane, env)
		if err != nil {
			return ProviderRef{}, err
		}
		switch probe.State {
		case ProbeConflicting:
			return ProviderRef{}, NewError(KindManualIntervention,
				"trust provider is not managed by "+ManagedByValue+": "+probe.Reason).
				WithResource(KindTrustProvider, arn)

		case ProbeExists:
			return o.reconcileProvider(ctx, plane, spec, probe.Current, l)

		case ProbeAbsent:
			if err := checkpoint(ctx); err != nil {
				return ProviderRef{}, err
			}
			tags := o.creationTags(ctx, Tags{TagManagedBy: ManagedByValue, TagProject: o.settings.Project})
			created, err := retryValue(ctx, o.retry, "iam:CreateOpenIDConnectProvider", func(ctx context.Context) (string, error) {
				return plane.CreateOpenIDConnectProvider(ctx, &CreateProviderInput{
					URL:         spec.URL,
					Audiences:   spec.Audiences,
					Thumbprints: spec.Thumbprints,
					Tags:        tags,
				})
			})
			if IsKind(err, KindAlreadyExists) {
				// Created concurrently; probe again and take the adopt-or-diff path.
				continue
			}
			if err != nil {
				return ProviderRef{}, err
			}
			l.Info("created trust provider", slog.String("action", "iam:CreateOpenIDConnectProvider"))
			return ProviderRef{ARN: created, URL: spec.URL, Action: ActionCreated}, nil
		}
	}
	return ProviderRef{}, NewError(KindDependencyNotReady, "trust provider appeared and vanished while probing").
		WithResource(KindTrustProvider, arn)
}

func (o *Orchestrator) reconcileProvider(ctx context.Context, plane IAMPlane, spec ProviderSpec, live *LiveProvider, l *logger.Logger) (ProviderRef, error) {
	ref := ProviderRef{ARN: live.ARN, URL: spec.URL, Action: ActionNoop}
	if !sameSet(live.Thumbprints, spec.Thumbprints) {
		if err := checkpoint(ctx); err != nil {
			return ref, err
		}
		err := o.retry.do(ctx, "iam:UpdateOpenIDConnectProviderThumbprint", func(ctx context.Context) error {
			return plane.UpdateOpenIDConnectProviderThumbprints(ctx, live.ARN, spec.Thumbprints)
		})
		if err != nil {
			return ref, err
		}
		l.Info("rotated trust provider thumbprints",
			slog.String("action", "iam:UpdateOpenIDConnectProviderThumbprint"),
			slog.Any("thumbprints", spec.Thumbprints))
		ref.Action = ActionUpdated
	}
	for _, aud := range spec.Audiences {
		aud := aud
		if containsFold(live.Audiences, aud) {
			continue
		}
		if err := checkpoint(ctx); err != nil {
			return ref, err
		}
		err := o.retry.do(ctx, "iam:AddClientIDToOpenIDConnectProvider", func(ctx context.Context) error {
			return plane.AddOpenIDConnectProviderAudience(ctx, live.ARN, aud)
		})
		if err != nil {
			return ref, err
		}
		l.Info("added trust provider audience",
			slog.String("action", "iam:AddClientIDToOpenIDConnectProvider"),
			slog.String("audience", aud))
		ref.Action = ActionUpdated
	}
	return ref, nil
}
