package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"driftline/internal/access"
	"driftline/internal/app"
	"driftline/internal/domain"
)

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Aliases: []string{"inst"}, Short: "Inspect live instances"}
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceHeartbeatCmd())
	inst.AddCommand(instanceEvaluateCmd())
	inst.AddCommand(instanceDeleteCmd())
	return inst
}

func printInstances(items []domain.ServiceInstance) error {
	return printJSONOrTable(items, func() table.Writer {
		tw := newTable("Service", "Instance", "Env", "Status", "Config hash", "Expected", "Last seen")
		for _, i := range items {
			tw.AppendRow(table.Row{i.ServiceID, i.InstanceID, orDash(i.Environment), i.Status,
				orDash(shortHash(i.ConfigHash)), orDash(shortHash(i.ExpectedHash)), i.LastSeenAt.Format(time.RFC3339)})
		}
		return tw
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func instanceListCmd() *cobra.Command {
	var c domain.InstanceCriteria
	var status string
	var drifted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Status = domain.InstanceStatus(strings.ToUpper(status))
			if drifted {
				c.HasDrift = &drifted
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Instances.List(ctx, actor(), c)
				if err != nil {
					return err
				}
				return printInstances(items)
			})
		},
	}
	cmd.Flags().StringVar(&c.ServiceID, "service", "", "service filter")
	cmd.Flags().StringVar(&c.Environment, "env", "", "environment filter")
	cmd.Flags().StringVar(&status, "status", "", "HEALTHY, DRIFT, UNHEALTHY or UNKNOWN")
	cmd.Flags().BoolVar(&drifted, "drifted", false, "only instances with open drift")
	return cmd
}

func instanceHeartbeatCmd() *cobra.Command {
	var hb domain.Heartbeat
	cmd := &cobra.Command{
		Use:   "heartbeat <service> <instance>",
		Short: "Record a heartbeat and evaluate drift, as an agent would",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hb.ServiceName, hb.InstanceID = args[0], args[1]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u := actor()
				if !u.IsSysAdmin {
					if _, err := a.Access.Authorize(ctx, u, access.Resource{ServiceID: hb.ServiceName}, domain.PermWrite); err != nil {
						return err
					}
				}
				inst, err := a.Instances.RecordHeartbeat(ctx, hb)
				if err != nil {
					return err
				}
				return printInstances([]domain.ServiceInstance{inst})
			})
		},
	}
	cmd.Flags().StringVar(&hb.Environment, "env", "", "environment")
	cmd.Flags().StringVar(&hb.ConfigHash, "hash", "", "hash of the applied configuration")
	cmd.Flags().StringVar(&hb.Host, "host", "", "host")
	cmd.Flags().IntVar(&hb.Port, "port", 0, "port")
	cmd.Flags().StringVar(&hb.Version, "version", "", "application version")
	cmd.Flags().StringToStringVar(&hb.Metadata, "meta", nil, "metadata key=value")
	return cmd
}

func instanceEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <service> <instance>",
		Short: "Re-evaluate drift against the configuration registry now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, eval, err := a.Instances.Evaluate(ctx, actor(), args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"instance": inst, "evaluated": eval.Evaluated, "drifted": eval.Drifted, "expected_hash": eval.ExpectedHash})
				}
				switch {
				case !eval.Evaluated:
					fmt.Printf("%s/%s: not evaluated (no reported hash)\n", args[0], args[1])
				case eval.Drifted:
					fmt.Printf("%s/%s: DRIFT (applied %s, expected %s)\n", args[0], args[1], shortHash(inst.ConfigHash), shortHash(eval.ExpectedHash))
				default:
					fmt.Printf("%s/%s: in sync\n", args[0], args[1])
				}
				return nil
			})
		},
	}
}

func instanceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <service> <instance>",
		Short: "Deregister an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Instances.Delete(ctx, actor(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0]+"/"+args[1])
				return nil
			})
		},
	}
}

func driftCmd() *cobra.Command {
	d := &cobra.Command{Use: "drift", Short: "Track drift events"}

	var f domain.DriftEventFilters
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List drift events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.DriftStatus(strings.ToUpper(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Detector.List(ctx, actor(), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() table.Writer {
					tw := newTable("ID", "Service", "Instance", "Env", "Severity", "Status", "Detected")
					for _, ev := range items {
						tw.AppendRow(table.Row{ev.ID, ev.ServiceID, ev.InstanceID, orDash(ev.Environment), ev.Severity, ev.Status,
							ev.DetectedAt.Format(time.RFC3339)})
					}
					return tw
				})
			})
		},
	}
	list.Flags().StringVar(&f.ServiceID, "service", "", "service filter")
	list.Flags().StringVar(&f.InstanceID, "instance", "", "instance filter")
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().BoolVar(&f.OpenOnly, "open", false, "only unresolved events")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum events")

	transition := func(use, short string, to domain.DriftStatus) *cobra.Command {
		var note string
		cmd := &cobra.Command{
			Use:   use + " <event-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					ev, err := a.Detector.Transition(ctx, actor(), args[0], to, note)
					if err != nil {
						return err
					}
					return printJSON(ev)
				})
			},
		}
		cmd.Flags().StringVar(&note, "note", "", "note recorded on the event")
		return cmd
	}
	d.AddCommand(list,
		transition("ack", "Acknowledge a drift event", domain.DriftAcknowledged),
		transition("resolving", "Mark a drift event as being fixed", domain.DriftResolving),
		transition("resolve", "Resolve a drift event", domain.DriftResolved),
		transition("ignore", "Ignore a drift event", domain.DriftIgnored),
	)
	return d
}
