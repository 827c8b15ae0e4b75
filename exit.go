package main

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

const (
	exitOK          = 0
	exitInternal    = 1
	exitValidation  = 2
	exitConflicting = 3
	exitAccess      = 4
	exitTransient   = 5
	exitDependency  = 6
	exitPartial     = 7
	exitLocked      = 8
	exitCancelled   = 130
)

var kindExitCodes = map[bootstrap.ErrorKind]int{
	bootstrap.KindValidation:         exitValidation,
	bootstrap.KindConflicting:        exitConflicting,
	bootstrap.KindManualIntervention: exitConflicting,
	bootstrap.KindAccessDenied:       exitAccess,
	bootstrap.KindTransient:          exitTransient,
	bootstrap.KindDependencyNotReady: exitDependency,
	bootstrap.KindPartialFailure:     exitPartial,
	bootstrap.KindLocked:             exitLocked,
	bootstrap.KindCancelled:          exitCancelled,
	bootstrap.KindNotFound:           exitInternal,
	bootstrap.KindInternal:           exitInternal,
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	kind := bootstrap.KindOf(err)
	var me *multiError
	if errors.As(err, &me) {
		kind = me.kind()
	}
	if code, ok := kindExitCodes[kind]; ok {
		return code
	}
	return exitInternal
}

// multiError is the failure of a multi-environment run. Its kind is the
// shared kind of every failure, or PartialFailure when kinds differ or some
// environments succeeded.
type multiError struct {
	failures  []envFailure
	succeeded int
}

type envFailure struct {
	env string
	err error
}

func (e *multiError) Error() string {
	return fmt.Sprintf("%d of %d environment(s) failed", len(e.failures), len(e.failures)+e.succeeded)
}

func (e *multiError) kind() bootstrap.ErrorKind {
	if e.succeeded > 0 || len(e.failures) == 0 {
		return bootstrap.KindPartialFailure
	}
	k := bootstrap.KindOf(e.failures[0].err)
	for _, f := range e.failures[1:] {
		if bootstrap.KindOf(f.err) != k {
			return bootstrap.KindPartialFailure
		}
	}
	return k
}

func (e *multiError) retrySafe() bool {
	for _, f := range e.failures {
		if !bootstrap.RetrySafe(f.err) {
			return false
		}
	}
	return true
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// printFailure names the failing resource, the control-plane error and
// whether a re-run is safe.
func printFailure(w io.Writer, err error) {
	var me *multiError
	if errors.As(err, &me) {
		fmt.Fprintf(w, "error: %v\n", me)
		for _, f := range me.failures {
			fmt.Fprintf(w, "\n[%s]\n", f.env)
			printOne(w, f.err)
		}
		fmt.Fprintf(w, "\nretry safe: %s\n", yesNo(me.retrySafe()))
		return
	}
	printOne(w, err)
}

func printOne(w io.Writer, err error) {
	var te *bootstrap.TeardownError
	if errors.As(err, &te) {
		fmt.Fprintf(w, "error: %v\n", te)
		for _, o := range te.Outcomes {
			if o.Final == bootstrap.StateAbsent || o.Retained {
				continue
			}
			fmt.Fprintf(w, "  resource: %s %s (%s)\n", o.Resource.Kind, o.Resource.Name, o.Final)
			if o.Error != "" {
				fmt.Fprintf(w, "    error: %s\n", o.Error)
			} else if o.Reason != "" {
				fmt.Fprintf(w, "    reason: %s\n", o.Reason)
			}
		}
		fmt.Fprintf(w, "retry safe: %s\n", yesNo(te.RetrySafe()))
		return
	}

	var be *bootstrap.Error
	if errors.As(err, &be) {
		fmt.Fprintf(w, "error: %s: %s\n", be.Kind, be.Message)
		if be.Resource != "" {
			fmt.Fprintf(w, "  resource: %s %s\n", be.ResourceKind, be.Resource)
		}
		if be.Action != "" {
			fmt.Fprintf(w, "  action: %s\n", be.Action)
		}
		if be.Cause != nil {
			fmt.Fprintf(w, "  cause: %v\n", be.Cause)
		}
		for _, c := range bootstrap.SecondaryErrors(err) {
			fmt.Fprintf(w, "  rollback failed: %v\n", c)
		}
		fmt.Fprintf(w, "retry safe: %s\n", yesNo(be.RetrySafe))
		return
	}

	fmt.Fprintf(w, "error: %v\n", err)
	fmt.Fprintf(w, "retry safe: %s\n", yesNo(bootstrap.RetrySafe(err)))
}
