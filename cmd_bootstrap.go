package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func (a *app) bootstrapCmd() *cobra.Command {
	var (
		all      bool
		parallel int
		rotate   bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap [environment...]",
		Short: "provision the trust provider, role chain and state backend of environments",
		Long: `Provision every bootstrap resource of one or more environments.

Bootstrap is idempotent: resources that already exist and are owned are
adopted, drift is corrected in place, and a run against a ready environment
makes no changes. Several environments are bootstrapped in parallel and
reported individually.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output, formatText, formatJSON); err != nil {
				return err
			}
			if all == (len(args) > 0) {
				return bootstrap.ErrValidation("name environments or pass --all, not both").WithRetrySafe(true)
			}
			if parallel < 1 {
				return bootstrap.ErrValidation(fmt.Sprintf("--parallel must be at least 1, got %d", parallel)).WithRetrySafe(true)
			}

			a.extraOpts = append(a.extraOpts, bootstrap.WithParallelism(parallel))
			o, cfg, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			names := args
			if all {
				reg, err := cfg.Registry()
				if err != nil {
					return err
				}
				names = reg.Names()
			}

			results := o.BootstrapAll(cmd.Context(), names, bootstrap.BootstrapOptions{RotateExternalToken: rotate})
			if output == formatJSON {
				if err := printJSON(a.stdout, bootstrapJSON(results)); err != nil {
					return err
				}
			} else {
				renderBootstrap(a.stdout, results)
			}
			return resultsError(results)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "bootstrap every configured environment")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "environments bootstrapped at once")
	cmd.Flags().BoolVar(&rotate, "rotate-external-token", false, "replace the external token on existing roles")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format (text, json)")
	return cmd
}

type bootstrapOutput struct {
	Environment string                     `json:"environment"`
	Result      *bootstrap.BootstrapResult `json:"result,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Kind        bootstrap.ErrorKind        `json:"error_kind,omitempty"`
	RetrySafe   *bool                      `json:"retry_safe,omitempty"`
}

func bootstrapJSON(results []bootstrap.EnvironmentResult) []bootstrapOutput {
	out := make([]bootstrapOutput, 0, len(results))
	for _, r := range results {
		o := bootstrapOutput{Environment: r.Environment, Result: r.Result}
		if r.Err != nil {
			safe := bootstrap.RetrySafe(r.Err)
			o.Error = r.Err.Error()
			o.Kind = bootstrap.KindOf(r.Err)
			o.RetrySafe = &safe
		}
		out = append(out, o)
	}
	return out
}

// resultsError returns the single failure of a one-environment run as is, and
// a *multiError otherwise.
func resultsError(results []bootstrap.EnvironmentResult) error {
	me := &multiError{}
	for _, r := range results {
		if r.Err != nil {
			me.failures = append(me.failures, envFailure{env: r.Environment, err: r.Err})
		} else {
			me.succeeded++
		}
	}
	switch {
	case len(me.failures) == 0:
		return nil
	case len(results) == 1:
		return me.failures[0].err
	default:
		return me
	}
}
