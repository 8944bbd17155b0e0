package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"patchgate/internal/capability"
	"patchgate/internal/patch"
)

// pathVerdict is one line of `patchgate check` output.
type pathVerdict struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

func (c *cli) newCheckCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "check <path>...",
		Short: "Check project paths against the write rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch patch.Mode(mode) {
			case patch.ModeModify, patch.ModeCreate, patch.ModeDelete:
			default:
				return fmt.Errorf("invalid mode %q (want modify, create or delete)", mode)
			}
			svc, err := c.services()
			if err != nil {
				return err
			}

			verdicts := make([]pathVerdict, 0, len(args))
			denied := 0
			for _, p := range args {
				v := pathVerdict{Path: p, Mode: mode, Allowed: true}
				if err := svc.Resolver.AssertWriteAllowed(p, mode); err != nil {
					var wd *capability.WriteDeniedError
					if !errors.As(err, &wd) {
						return err
					}
					v.Path, v.Allowed, v.Reason, v.Rule = wd.Path, false, wd.Reason, wd.Rule
					denied++
				}
				verdicts = append(verdicts, v)
			}

			out := cmd.OutOrStdout()
			if c.jsonOut {
				if err := c.writeJSON(out, verdicts); err != nil {
					return err
				}
			} else {
				for _, v := range verdicts {
					printVerdict(out, v)
				}
			}
			if denied > 0 {
				return fmt.Errorf("%d of %d paths denied", denied, len(verdicts))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(patch.ModeModify), "write mode (modify, create, delete)")
	return cmd
}

func printVerdict(w io.Writer, v pathVerdict) {
	if v.Allowed {
		fmt.Fprintf(w, "allow  %s (%s)\n", v.Path, v.Mode)
		return
	}
	fmt.Fprintf(w, "deny   %s (%s): %s", v.Path, v.Mode, v.Reason)
	if v.Rule != "" {
		fmt.Fprintf(w, " %s", v.Rule)
	}
	fmt.Fprintln(w)
}

func (c *cli) newPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Preview or apply a unified diff from the command line",
		Long: `Preview or apply a unified diff from the command line.

These commands act as the operator and skip the operation gate. Write rules
still apply to every touched path.`,
	}
	cmd.AddCommand(c.newPatchPreviewCmd(), c.newPatchApplyCmd())
	return cmd
}

func (c *cli) newPatchPreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <diff-file|->",
		Short: "Validate a diff and show the files it would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			diff, err := readDiff(cmd, args[0])
			if err != nil {
				return err
			}
			svc, err := c.services()
			if err != nil {
				return err
			}
			res, err := svc.Pipeline.Preview(cmd.Context(), diff)
			if err != nil {
				return err
			}
			// Nothing else in this process can apply the session.
			defer svc.Pipeline.Cancel(res.SessionID) //nolint:errcheck

			out := cmd.OutOrStdout()
			if c.jsonOut {
				return c.writeJSON(out, res)
			}
			for _, f := range res.Files {
				fmt.Fprintf(out, "%-6s  %s (%d -> %d bytes)\n", f.Mode, f.Path, f.OriginalBytes, f.PatchedBytes)
			}
			return nil
		},
	}
}

func (c *cli) newPatchApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <diff-file|->",
		Short: "Apply a diff atomically, rolling back on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			diff, err := readDiff(cmd, args[0])
			if err != nil {
				return err
			}
			svc, err := c.services()
			if err != nil {
				return err
			}
			preview, err := svc.Pipeline.Preview(cmd.Context(), diff)
			if err != nil {
				return err
			}
			res, err := svc.Pipeline.Apply(preview.SessionID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if c.jsonOut {
				return c.writeJSON(out, res)
			}
			for _, f := range res.Files {
				fmt.Fprintf(out, "%-6s  %s\n", f.Mode, f.Path)
			}
			return nil
		},
	}
}

// readDiff reads name, or stdin when name is "-".
func readDiff(cmd *cobra.Command, name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read diff: %w", err)
	}
	return string(data), nil
}
