package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func (a *app) destroyCmd() *cobra.Command {
	var (
		force   bool
		dryRun  bool
		confirm string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "destroy <environment>",
		Short: "tear down the bootstrap resources of an environment",
		Long: fmt.Sprintf(`Delete every owned bootstrap resource of an environment in reverse
dependency order. Resources that exist but are not owned are never touched.

A destructive run requires the confirmation token %q, passed with
--confirm or typed at the prompt. --dry-run lists what would be deleted
without changing anything. --force purges buckets that still hold objects.`, bootstrap.ConfirmationToken),
		Args: exactEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output, formatText, formatJSON); err != nil {
				return err
			}
			o, _, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			if !dryRun && confirm == "" {
				confirm = a.prompt(fmt.Sprintf("Type %q to destroy %s: ", bootstrap.ConfirmationToken, args[0]))
			}

			report, derr := o.Destroy(cmd.Context(), args[0], bootstrap.DestroyOptions{
				Force:        force,
				DryRun:       dryRun,
				Confirmation: confirm,
			})
			if report != nil {
				if err := a.printTeardown(report, output); err != nil {
					return err
				}
			}
			return derr
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "purge buckets that still hold objects")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be deleted without changing anything")
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation token")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format (text, json)")
	return cmd
}

// prompt reads one line from stdin. An empty reader yields "".
func (a *app) prompt(msg string) string {
	fmt.Fprint(a.stderr, msg)
	line, _ := bufio.NewReader(a.stdin).ReadString('\n')
	return strings.TrimSpace(line)
}

func (a *app) printTeardown(report *bootstrap.TeardownReport, output string) error {
	if output == formatJSON {
		return printJSON(a.stdout, report)
	}
	if report.DryRun {
		renderPlan(a.stdout, report.Plan)
		return nil
	}
	renderOutcomes(a.stdout, report.Environment, report.Outcomes)
	return nil
}
