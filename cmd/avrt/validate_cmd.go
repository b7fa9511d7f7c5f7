package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/avrtpro/avrt-firewall/pkg/api"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
)

// exitBlocked is returned by validate for a BLOCKED disposition.
const exitBlocked = 2

func newValidateCmd(policyPath *string) *cobra.Command {
	var (
		req        pipeline.Request
		outputFile string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate one AI response and record it in the ledger",
		Long:  "Validate scores --output (or the contents of --output-file, \"-\" for stdin)\nand prints the audited result as JSON. The exit code is 2 when the\nresponse is blocked.",
		Example: `  avrt validate --input "How do I reset my password?" --output "Open Settings, then Security."
  echo "model reply" | avrt validate --output-file - --context safety_terms=exploit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outputFile != "" {
				text, err := readInput(cmd.InOrStdin(), outputFile)
				if err != nil {
					return err
				}
				req.Output = text
			}

			cfg, err := loadConfig(*policyPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := buildStack(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), false)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(ctx) }()

			res, err := st.pipeline.Process(ctx, req)
			if err != nil {
				return err
			}
			resp := api.NewValidationResponse(res)
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Status == disposition.Blocked {
				return &exitError{code: exitBlocked, err: fmt.Errorf("response blocked: %s", resp.Message)}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Input, "input", "", "user input that produced the response")
	f.StringVar(&req.Output, "output", "", "AI response to validate")
	f.StringVar(&outputFile, "output-file", "", "read the response from a file (\"-\" for stdin)")
	f.StringToStringVar(&req.Context, "context", nil, "context key=value pairs")
	f.StringVar(&req.UserID, "user", "", "user id recorded with the interaction")
	cmd.MarkFlagsMutuallyExclusive("output", "output-file")
	cmd.MarkFlagsOneRequired("output", "output-file")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(io.LimitReader(stdin, api.MaxBodyBytes))
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
