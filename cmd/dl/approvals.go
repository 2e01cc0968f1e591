package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"driftline/internal/app"
	"driftline/internal/approval"
	"driftline/internal/domain"
)

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Aliases: []string{"ap"}, Short: "Request and decide ownership changes"}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalInboxCmd())
	ap.AddCommand(approvalShowCmd())
	ap.AddCommand(approvalDecideCmd("approve", domain.VoteApprove))
	ap.AddCommand(approvalDecideCmd("reject", domain.VoteReject))
	ap.AddCommand(approvalCancelCmd())
	return ap
}

func printApprovals(items []domain.ApprovalRequest) error {
	return printJSONOrTable(items, func() table.Writer {
		tw := newTable("ID", "Type", "Service", "Team", "Requester", "Status", "Gates", "Updated")
		for _, r := range items {
			gates := make([]string, len(r.Required))
			for i, g := range r.Required {
				gates[i] = fmt.Sprintf("%s %d/%d", g.Gate, r.Counts[g.Gate], g.MinApprovals)
			}
			tw.AppendRow(table.Row{r.ID, r.RequestType, r.Target.ServiceID, r.Target.TeamID, r.RequesterUserID, r.Status,
				strings.Join(gates, ", "), r.UpdatedAt.Format(time.RFC3339)})
		}
		return tw
	})
}

// parseGates reads GATE=N pairs such as SYS_ADMIN=1.
func parseGates(in map[string]string) ([]domain.GateRequirement, error) {
	out := make([]domain.GateRequirement, 0, len(in))
	for gate, raw := range in {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			return nil, fmt.Errorf("gate %s: %q is not a number", gate, raw)
		}
		out = append(out, domain.GateRequirement{Gate: strings.ToUpper(gate), MinApprovals: n})
	}
	return out, nil
}

func approvalRequestCmd() *cobra.Command {
	var reqType, reason string
	var target domain.ApprovalTarget
	var gates map[string]string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request to claim an orphaned service or transfer an owned one",
		RunE: func(cmd *cobra.Command, args []string) error {
			required, err := parseGates(gates)
			if err != nil {
				return err
			}
			t := domain.RequestType(strings.ToUpper(reqType))
			switch t {
			case "CLAIM":
				t = domain.RequestClaimOwnership
			case "TRANSFER":
				t = domain.RequestTransferOwnership
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Approvals.Create(ctx, actor(), approval.CreateInput{Type: t, Target: target, Required: required, Reason: reason})
				if err != nil {
					return err
				}
				return printApprovals([]domain.ApprovalRequest{req})
			})
		},
	}
	cmd.Flags().StringVar(&reqType, "type", "claim", "claim or transfer")
	cmd.Flags().StringVar(&target.ServiceID, "service", "", "target service")
	cmd.Flags().StringVar(&target.TeamID, "team", "", "team that would own the service")
	cmd.Flags().StringToStringVar(&gates, "gate", nil, "required gates GATE=N; defaults come from config")
	cmd.Flags().StringVar(&reason, "reason", "", "justification")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var f domain.ApprovalFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ApprovalStatus(strings.ToUpper(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Approvals.List(ctx, actor(), f)
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ServiceID, "service", "", "service filter")
	cmd.Flags().StringVar(&f.RequesterUserID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&status, "status", "", "PENDING, APPROVED, REJECTED or CANCELLED")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum requests")
	return cmd
}

func approvalInboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Pending requests the acting user can vote on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Approvals.Inbox(ctx, actor())
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and its decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u := actor()
				req, err := a.Approvals.Get(ctx, u, args[0])
				if err != nil {
					return err
				}
				decisions, err := a.Approvals.Decisions(ctx, u, req.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"request": req, "decisions": decisions})
			})
		},
	}
}

func approvalDecideCmd(use string, vote domain.Vote) *cobra.Command {
	var gate, note string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a request under one gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Approvals.Decide(ctx, actor(), approval.DecideInput{
					RequestID: args[0], Gate: strings.ToUpper(gate), Decision: vote, Note: note,
				})
				if err != nil {
					return err
				}
				if err := printApprovals([]domain.ApprovalRequest{res.Request}); err != nil {
					return err
				}
				for _, c := range res.Cascaded {
					fmt.Printf("also settled %s: %s\n", c.ID, c.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gate, "gate", domain.GateSysAdmin, "gate to vote under")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	return cmd
}

func approvalCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Approvals.Cancel(ctx, actor(), args[0], reason)
				if err != nil {
					return err
				}
				return printApprovals([]domain.ApprovalRequest{req})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is withdrawn")
	return cmd
}
