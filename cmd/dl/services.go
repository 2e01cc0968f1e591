package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"driftline/internal/app"
	"driftline/internal/catalog"
	"driftline/internal/domain"
)

func serviceCmd() *cobra.Command {
	svc := &cobra.Command{Use: "service", Aliases: []string{"svc"}, Short: "Manage the service catalog"}
	svc.AddCommand(serviceCreateCmd())
	svc.AddCommand(serviceListCmd())
	svc.AddCommand(serviceShowCmd())
	svc.AddCommand(serviceUpdateCmd())
	svc.AddCommand(serviceDeleteCmd())
	svc.AddCommand(shareCmd())
	svc.AddCommand(agentKeyCmd())
	return svc
}

func printServices(items []domain.ApplicationService) error {
	return printJSONOrTable(items, func() table.Writer {
		tw := newTable("ID", "Name", "Owner", "Lifecycle", "Environments", "Version")
		for _, s := range items {
			owner := "(orphan)"
			if !s.Orphaned() {
				owner = *s.OwnerTeamID
			}
			tw.AppendRow(table.Row{s.ID, s.DisplayName, owner, s.Lifecycle, strings.Join(s.Environments, ","), s.Version})
		}
		return tw
	})
}

func serviceCreateCmd() *cobra.Command {
	var in catalog.CreateServiceInput
	var lifecycle string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Register a service; without --owner it starts orphaned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ID = args[0]
			in.Lifecycle = domain.Lifecycle(strings.ToUpper(lifecycle))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Catalog.CreateService(ctx, actor(), in)
				if err != nil {
					return err
				}
				return printServices([]domain.ApplicationService{s})
			})
		},
	}
	cmd.Flags().StringVar(&in.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&in.OwnerTeamID, "owner", "", "owner team id")
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "", "ACTIVE, DEPRECATED or RETIRED")
	cmd.Flags().StringSliceVar(&in.Environments, "env", nil, "environments (repeatable)")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVar(&in.RepoURL, "repo", "", "repository url")
	cmd.Flags().StringToStringVar(&in.Attributes, "attr", nil, "attributes key=value")
	return cmd
}

func serviceListCmd() *cobra.Command {
	var f catalog.ListFilters
	var lifecycle string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List services visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Lifecycle = domain.Lifecycle(strings.ToUpper(lifecycle))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Catalog.ListServices(ctx, actor(), f)
				if err != nil {
					return err
				}
				return printServices(items)
			})
		},
	}
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "", "lifecycle filter")
	cmd.Flags().StringVar(&f.OwnerTeamID, "owner", "", "owner team filter")
	cmd.Flags().BoolVar(&f.Orphaned, "orphaned", false, "only services without an owner")
	return cmd
}

func serviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Catalog.GetService(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func serviceUpdateCmd() *cobra.Command {
	var name, lifecycle, repoURL, owner string
	var in catalog.UpdateServiceInput
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update service attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.DisplayName = optionalString(cmd, "name", name)
			in.RepoURL = optionalString(cmd, "repo", repoURL)
			in.OwnerTeamID = optionalString(cmd, "owner", owner)
			if cmd.Flags().Changed("lifecycle") {
				l := domain.Lifecycle(strings.ToUpper(lifecycle))
				in.Lifecycle = &l
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Catalog.UpdateService(ctx, actor(), args[0], in)
				if err != nil {
					return err
				}
				return printServices([]domain.ApplicationService{s})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "", "ACTIVE, DEPRECATED or RETIRED")
	cmd.Flags().StringVar(&repoURL, "repo", "", "repository url")
	cmd.Flags().StringVar(&owner, "owner", "", "direct owner change; refused while governance is enabled")
	cmd.Flags().StringSliceVar(&in.Environments, "env", nil, "replace environments")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "replace tags")
	cmd.Flags().StringToStringVar(&in.Attributes, "attr", nil, "replace attributes key=value")
	cmd.Flags().Int64Var(&in.ExpectedVersion, "expected-version", 0, "fail unless the service is at this version")
	return cmd
}

func serviceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a service with its instances, drift events, shares and keys (sys-admins)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.DeleteService(ctx, actor(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func shareCmd() *cobra.Command {
	sh := &cobra.Command{Use: "share", Short: "Grant, list and revoke shares"}

	var in catalog.ShareInput
	var level, grantType string
	var perms []string
	var expiresIn time.Duration
	grant := &cobra.Command{
		Use:   "grant <service>",
		Short: "Share a service or one of its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ResourceLevel = domain.ResourceLevel(strings.ToUpper(level))
			in.GrantToType = domain.GrantToType(strings.ToUpper(grantType))
			in.Permissions = nil
			for _, p := range perms {
				in.Permissions = append(in.Permissions, domain.Permission(strings.ToUpper(p)))
			}
			if expiresIn > 0 {
				at := time.Now().UTC().Add(expiresIn)
				in.ExpiresAt = &at
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Catalog.GrantShare(ctx, actor(), args[0], in)
				if err != nil {
					return err
				}
				return printShares([]domain.ServiceShare{s})
			})
		},
	}
	grant.Flags().StringVar(&level, "level", string(domain.LevelService), "SERVICE or INSTANCE")
	grant.Flags().StringVar(&in.InstanceID, "instance", "", "instance id for INSTANCE shares")
	grant.Flags().StringVar(&grantType, "to-type", string(domain.GrantTeam), "TEAM or USER")
	grant.Flags().StringVar(&in.GrantToID, "to", "", "grantee id")
	grant.Flags().StringSliceVar(&perms, "perm", nil, "permissions (READ, WRITE, KV_READ, KV_WRITE, INSTANCE_READ, DRIFT_MANAGE)")
	grant.Flags().StringSliceVar(&in.Environments, "env", nil, "limit to environments")
	grant.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire after this duration")
	_ = grant.MarkFlagRequired("to")

	list := &cobra.Command{
		Use:   "list <service>",
		Short: "List shares of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Catalog.ListShares(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printShares(items)
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <service> <share-id>",
		Short: "Revoke a share",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.RevokeShare(ctx, actor(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("revoked", args[1])
				return nil
			})
		},
	}
	sh.AddCommand(grant, list, revoke)
	return sh
}

func printShares(items []domain.ServiceShare) error {
	return printJSONOrTable(items, func() table.Writer {
		tw := newTable("ID", "Level", "Grantee", "Permissions", "Environments", "Expires")
		for _, s := range items {
			perms := make([]string, len(s.Permissions))
			for i, p := range s.Permissions {
				perms[i] = string(p)
			}
			expires := "-"
			if s.ExpiresAt != nil {
				expires = s.ExpiresAt.Format(time.RFC3339)
			}
			level := string(s.ResourceLevel)
			if s.InstanceID != "" {
				level += ":" + s.InstanceID
			}
			tw.AppendRow(table.Row{s.ID, level, string(s.GrantToType) + ":" + s.GrantToID, strings.Join(perms, ","),
				orDash(strings.Join(s.Environments, ",")), expires})
		}
		return tw
	})
}

func agentKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "agent-key", Short: "Manage heartbeat agent keys"}
	var name string
	issue := &cobra.Command{
		Use:   "issue <service>",
		Short: "Issue a key; the plaintext is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plain, key, err := a.Catalog.IssueAgentKey(ctx, actor(), args[0], name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"key": plain, "agent_key": key})
			})
		},
	}
	issue.Flags().StringVar(&name, "name", "", "label for the key")

	list := &cobra.Command{
		Use:   "list <service>",
		Short: "List agent keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Catalog.ListAgentKeys(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() table.Writer {
					tw := newTable("ID", "Name", "Created by", "Created")
					for _, k := range items {
						tw.AppendRow(table.Row{k.ID, orDash(k.Name), k.CreatedBy, k.CreatedAt.Format(time.RFC3339)})
					}
					return tw
				})
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <service> <key-id>",
		Short: "Revoke an agent key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.RevokeAgentKey(ctx, actor(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("revoked", args[1])
				return nil
			})
		},
	}
	keys.AddCommand(issue, list, revoke)
	return keys
}
