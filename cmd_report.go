package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func (a *app) reportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "report <environment>",
		Short: "regenerate the manifest of an environment from live probes",
		Args:  exactEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output, formatText, formatJSON, formatTFBackend); err != nil {
				return err
			}
			o, _, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			m, err := o.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			switch output {
			case formatJSON:
				return printJSON(a.stdout, m)
			case formatTFBackend:
				if m.TerraformBackend == "" {
					return bootstrap.NewError(bootstrap.KindDependencyNotReady,
						fmt.Sprintf("state backend of %s is not complete; run bootstrap first", m.Environment.Name)).
						WithRetrySafe(true)
				}
				fmt.Fprint(a.stdout, m.TerraformBackend)
				return nil
			default:
				renderManifest(a.stdout, m)
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format (text, json, tf-backend)")
	return cmd
}
