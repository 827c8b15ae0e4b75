package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// Output formats.
const (
	formatText      = "text"
	formatJSON      = "json"
	formatTFBackend = "tf-backend"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func checkFormat(format string, allowed ...string) error {
	for _, f := range allowed {
		if format == f {
			return nil
		}
	}
	return bootstrap.ErrValidation(fmt.Sprintf("unknown output format %q (want one of %s)", format, strings.Join(allowed, ", "))).
		WithRetrySafe(true)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode output")
	}
	return nil
}

func stateText(s bootstrap.LifecycleState) string {
	switch s {
	case bootstrap.StateExists:
		return okStyle.Render(string(s))
	case bootstrap.StateConflicting:
		return badStyle.Render(string(s))
	default:
		return warnStyle.Render(string(s))
	}
}

func renderManifest(w io.Writer, m *bootstrap.Manifest) {
	fmt.Fprintf(w, "%s %s (%s, %s) %s\n",
		headerStyle.Render("environment"), m.Environment.Name, m.Environment.AccountID, m.Environment.Region,
		labelStyle.Render(string(m.Environment.Status)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("trust model"), m.TrustModel)
	if m.ExternalTokenFingerprint != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("external token"), m.ExternalTokenFingerprint)
	}
	fmt.Fprintln(w)
	for _, r := range m.Resources() {
		id := r.ID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "  %-14s %-12s %s\n", r.Kind, stateText(r.State), r.Name)
		fmt.Fprintf(w, "  %-14s %-12s %s\n", "", "", labelStyle.Render(id))
		if r.Reason != "" {
			fmt.Fprintf(w, "  %-14s %-12s %s\n", "", "", r.Reason)
		}
	}
	if len(m.Links) > 0 {
		fmt.Fprintln(w)
		keys := make([]string, 0, len(m.Links))
		for k := range m.Links {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(k), m.Links[k])
		}
	}
}

func renderBootstrap(w io.Writer, results []bootstrap.EnvironmentResult) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s %s: %s\n", badStyle.Render("failed"), r.Environment, bootstrap.KindOf(r.Err))
			continue
		}
		res := r.Result
		fmt.Fprintf(w, "%s %s (%s) run %s\n", okStyle.Render("ready"), res.Environment.Name, res.Environment.AccountID, res.RunID)
		fmt.Fprintf(w, "  %-14s %-8s %s\n", bootstrap.KindTrustProvider, res.Provider.Action, res.Provider.ARN)
		for _, role := range res.Roles {
			fmt.Fprintf(w, "  %-14s %-8s %s\n", role.Tier, role.Action, role.ARN)
		}
		fmt.Fprintf(w, "  %-14s %-8s %s\n", bootstrap.KindBucket, res.Backend.Action, res.Backend.Bucket)
		fmt.Fprintf(w, "  %-14s %-8s %s\n", bootstrap.KindLockTable, "", res.Backend.LockTable)
		fmt.Fprintf(w, "  %-14s %-8s %s\n", bootstrap.KindKey, "", res.Backend.KeyAlias)
	}
}

func renderPlan(w io.Writer, p *bootstrap.Plan) {
	fmt.Fprintf(w, "%s %s: %d resource(s) would be deleted\n", headerStyle.Render("dry run"), p.Environment, len(p.Actions))
	for _, a := range p.Actions {
		fmt.Fprintf(w, "  %s %s %s\n", a.Operation, a.Resource.Kind, a.Resource.Name)
		for _, s := range a.Steps {
			fmt.Fprintf(w, "      %s %s\n", labelStyle.Render("drain"), s)
		}
	}
	if len(p.Skipped) > 0 {
		fmt.Fprintf(w, "%s\n", warnStyle.Render("left untouched"))
		for _, a := range p.Skipped {
			fmt.Fprintf(w, "  %s %s: %s\n", a.Resource.Kind, a.Resource.Name, a.Reason)
		}
	}
}

func renderOutcomes(w io.Writer, env string, outcomes []bootstrap.ResourceOutcome) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("teardown"), env)
	for _, o := range outcomes {
		state := stateText(o.Final)
		switch {
		case o.Retained:
			state = labelStyle.Render("retained")
		case o.Final == bootstrap.StateAbsent:
			state = okStyle.Render(string(o.Final))
		}
		fmt.Fprintf(w, "  %-14s %-12s %s\n", o.Resource.Kind, state, o.Resource.Name)
		if o.Reason != "" {
			fmt.Fprintf(w, "  %-14s %-12s %s\n", "", "", o.Reason)
		}
	}
}
