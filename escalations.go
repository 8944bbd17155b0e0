package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"patchgate/internal/audit"
	"patchgate/internal/ledger"
)

// decisionEntry is one line of the decision audit log.
type decisionEntry struct {
	EscalationID string `json:"escalation_id"`
	Path         string `json:"path"`
	Mode         string `json:"mode"`
	RequestedBy  string `json:"requested_by,omitempty"`
	Decision     string `json:"decision"`
	DecidedBy    string `json:"decided_by"`
	Comment      string `json:"comment,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func (c *cli) openLedger() *ledger.Ledger {
	return ledger.Open(c.cfg.LedgerPath, ledger.WithLogger(c.logger.With("component", "ledger")))
}

func (c *cli) newEscalationsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"ls"},
		Short:   "List escalation records",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f ledger.Filter
			if status != "" {
				st, err := ledger.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			records := c.openLedger().List(f)

			out := cmd.OutOrStdout()
			if c.jsonOut {
				return c.writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No escalations.")
				return nil
			}
			for _, rec := range records {
				printRecord(out, rec)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, denied)")
	return cmd
}

func printRecord(w io.Writer, rec ledger.Record) {
	fmt.Fprintf(w, "%s  %-8s  %s (%s)\n", rec.ID, rec.Status, rec.Path, rec.Mode)
	fmt.Fprintf(w, "    requested %s by %s: %s\n", rec.RequestedAt.Format(time.RFC3339), orDash(rec.RequestedBy), rec.Reason)
	if rec.ResolvedAt != nil {
		fmt.Fprintf(w, "    resolved %s by %s", rec.ResolvedAt.Format(time.RFC3339), orDash(rec.Resolver))
		if rec.Notes != "" {
			fmt.Fprintf(w, ": %s", rec.Notes)
		}
		fmt.Fprintln(w)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *cli) newApproveCmd() *cobra.Command {
	return c.newDecisionCmd(ledger.StatusApproved, "approve", "Approve a pending escalation")
}

func (c *cli) newDenyCmd() *cobra.Command {
	return c.newDecisionCmd(ledger.StatusDenied, "deny", "Deny a pending escalation")
}

func (c *cli) newDecisionCmd(status ledger.Status, verb, short string) *cobra.Command {
	var user, comment string
	cmd := &cobra.Command{
		Use:   verb + " <escalation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				user = os.Getenv("USER")
			}
			if strings.TrimSpace(user) == "" {
				return errors.New("--user is required")
			}
			rec, err := c.decide(args[0], status, user, comment)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return c.writeJSON(out, rec)
			}
			fmt.Fprintf(out, "%s escalation %s (%s %s)\n", rec.Status, rec.ID, rec.Path, rec.Mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "operator name recorded as resolver (default $USER)")
	cmd.Flags().StringVar(&comment, "comment", "", "note stored with the decision")
	return cmd
}

// decide resolves a pending escalation and records the decision. Only the
// caller that moved the record out of pending writes an audit line.
func (c *cli) decide(id string, status ledger.Status, user, comment string) (ledger.Record, error) {
	rec, err := c.openLedger().ResolvePending(ledger.Resolution{ID: id, Status: status, Resolver: user, Notes: comment})
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		return rec, fmt.Errorf("escalation %s already %s by %s", rec.ID, rec.Status, orDash(rec.Resolver))
	}
	if err != nil {
		return ledger.Record{}, err
	}

	if c.cfg.AuditLog != "" {
		entry := decisionEntry{
			EscalationID: rec.ID,
			Path:         rec.Path,
			Mode:         rec.Mode,
			RequestedBy:  rec.RequestedBy,
			Decision:     string(rec.Status),
			DecidedBy:    rec.Resolver,
			Comment:      comment,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := audit.NewLog(c.cfg.AuditLog).Append(entry); err != nil {
			c.logger.Warn("decision audit failed",
				slog.String("escalation_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}
	return rec, nil
}

func (c *cli) newWaitCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <escalation-id>",
		Short: "Block until an escalation is approved or denied",
		Long: `Block until an escalation is approved or denied.

Exits non-zero when the escalation is denied or the timeout expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			rec, err := c.openLedger().Wait(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				if err := c.writeJSON(out, rec); err != nil {
					return err
				}
			} else {
				printRecord(out, rec)
			}
			if rec.Status == ledger.StatusDenied {
				return fmt.Errorf("escalation %s denied", rec.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}
