package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"driftline/internal/app"
	"driftline/internal/domain"
)

func kvCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "kv",
		Short: "Read and write a service's key/value configuration",
		Long: `Paths are relative to the service namespace. When the first segment names
one of the service's environments, environment-scoped shares apply.`,
	}
	k.AddCommand(kvGetCmd(), kvPutCmd(), kvDeleteCmd(), kvObjectCmd(), kvListCmd(), kvTxnCmd())
	return k
}

// casFlag turns --cas into the optional expected modify index.
func casFlag(cmd *cobra.Command, v uint64) *uint64 {
	if !cmd.Flags().Changed("cas") {
		return nil
	}
	return &v
}

func readValue(value, file string) ([]byte, error) {
	if file == "" {
		return []byte(value), nil
	}
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func printEntry(e domain.KVEntry) error {
	return printJSONOrTable(map[string]any{
		"path": e.Path, "value": string(e.Value), "modify_index": e.ModifyIndex, "create_index": e.CreateIndex, "flags": e.Flags,
	}, func() table.Writer {
		tw := newTable("Path", "Value", "Modify", "Create", "Flags")
		tw.AppendRow(table.Row{e.Path, string(e.Value), e.ModifyIndex, e.CreateIndex, e.Flags})
		return tw
	})
}

func kvGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <service> <path>",
		Short: "Read one value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.KV.GetLeaf(ctx, actor(), args[0], args[1])
				if err != nil {
					return err
				}
				return printEntry(e)
			})
		},
	}
}

func kvPutCmd() *cobra.Command {
	var value, file string
	var flags, cas uint64
	cmd := &cobra.Command{
		Use:   "put <service> <path>",
		Short: "Write one value; --cas 0 creates only if absent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readValue(value, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.KV.PutLeaf(ctx, actor(), args[0], args[1], data, flags, casFlag(cmd, cas))
				if err != nil {
					return err
				}
				return printEntry(e)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value to store")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file, - for stdin")
	cmd.Flags().Uint64Var(&flags, "flags", 0, "opaque flags stored with the value")
	cmd.Flags().Uint64Var(&cas, "cas", 0, "expected modify index")
	return cmd
}

func kvDeleteCmd() *cobra.Command {
	var cas uint64
	cmd := &cobra.Command{
		Use:   "delete <service> <path>",
		Short: "Delete one value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.KV.DeleteLeaf(ctx, actor(), args[0], args[1], casFlag(cmd, cas)); err != nil {
					return err
				}
				fmt.Println("deleted", args[1])
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&cas, "cas", 0, "expected modify index")
	return cmd
}

func printObject(data map[string]string) error {
	return printJSONOrTable(data, func() table.Writer {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tw := newTable("Key", "Value")
		for _, k := range keys {
			tw.AppendRow(table.Row{k, data[k]})
		}
		return tw
	})
}

func kvObjectCmd() *cobra.Command {
	obj := &cobra.Command{Use: "object", Short: "Read or replace the values directly under a prefix"}
	get := &cobra.Command{
		Use:   "get <service> <prefix>",
		Short: "Read an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := a.KV.GetObject(ctx, actor(), args[0], args[1])
				if err != nil {
					return err
				}
				return printObject(data)
			})
		},
	}
	var set map[string]string
	var file string
	put := &cobra.Command{
		Use:   "put <service> <prefix>",
		Short: "Replace an object; keys not given are removed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := set
			if file != "" {
				raw, err := readValue("", file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("object file must be a JSON object of strings: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.KV.PutObject(ctx, actor(), args[0], args[1], data)
				if err != nil {
					return err
				}
				return printObject(out)
			})
		},
	}
	put.Flags().StringToStringVar(&set, "set", nil, "key=value pairs")
	put.Flags().StringVarP(&file, "file", "f", "", "JSON object file, - for stdin")
	obj.AddCommand(get, put)
	return obj
}

func kvListCmd() *cobra.Command {
	lst := &cobra.Command{Use: "list", Short: "Read or write a manifest-ordered list"}
	get := &cobra.Command{
		Use:   "get <service> <prefix>",
		Short: "Read a list in manifest order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.KV.GetList(ctx, actor(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(l, func() table.Writer {
					tw := newTable("#", "ID", "Data")
					for i, it := range l.Items {
						tw.AppendRow(table.Row{i, it.ID, string(it.Data)})
					}
					tw.AppendFooter(table.Row{"", "version", l.Manifest.Version})
					return tw
				})
			})
		},
	}
	var file string
	put := &cobra.Command{
		Use:   "put <service> <prefix>",
		Short: "Write a list from a JSON document {items, manifest, deletes, expected_version}",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readValue("", file)
			if err != nil {
				return err
			}
			var w domain.KVListWrite
			if err := json.Unmarshal(raw, &w); err != nil {
				return fmt.Errorf("invalid list document: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.KV.PutList(ctx, actor(), args[0], args[1], w)
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	put.Flags().StringVarP(&file, "file", "f", "-", "JSON document, - for stdin")
	lst.AddCommand(get, put)
	return lst
}

func kvTxnCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "txn <service>",
		Short: "Apply a JSON array of operations all-or-nothing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readValue("", file)
			if err != nil {
				return err
			}
			// Values are plain text here, unlike the base64 of domain.KVOp.
			var in []struct {
				Verb  domain.KVVerb `json:"verb"`
				Path  string        `json:"path"`
				Value *string       `json:"value"`
				Flags uint64        `json:"flags"`
				Index uint64        `json:"index"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("invalid operations: %w", err)
			}
			ops := make([]domain.KVOp, len(in))
			for i, op := range in {
				ops[i] = domain.KVOp{Verb: op.Verb, Path: op.Path, Flags: op.Flags, Index: op.Index}
				if op.Value != nil {
					ops[i].Value = []byte(*op.Value)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.KV.Txn(ctx, actor(), args[0], ops)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON operations, - for stdin")
	return cmd
}
