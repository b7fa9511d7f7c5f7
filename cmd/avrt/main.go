// Command avrt runs the AVRT firewall server and its operator tooling.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{"serve"})
	}

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var policyPath string

	root := &cobra.Command{
		Use:           "avrt",
		Short:         "AVRT content-safety firewall for AI responses",
		Long:          "avrt scores AI responses for safety, integrity and ethics, checks them\nfor truth, honesty and transparency, and records every decision in a\nhash-chained audit ledger.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&policyPath, "policy", "", "policy profile YAML (overrides AVRT_POLICY_PROFILE)")

	root.AddCommand(
		newServeCmd(&policyPath),
		newValidateCmd(&policyPath),
		newAuditCmd(&policyPath),
		newTokenCmd(),
	)
	return root
}
