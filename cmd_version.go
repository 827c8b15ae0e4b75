package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "cloud-bootstrap version %s\n", version)
			fmt.Fprintf(a.stdout, "  manifest schema: %d\n", bootstrap.ManifestSchemaVersion)
			fmt.Fprintln(a.stdout, "  lock backends: memory, s3, redis, none")
		},
	}
}
