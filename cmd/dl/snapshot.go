package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"driftline/internal/snapshot"
)

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{Use: "snapshot", Short: "Inspect configuration snapshots"}
	var file string
	var verbose bool
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Print the config hash an agent would report for a file",
		Long: `Flattens a YAML, JSON or .properties file into dotted keys, canonicalizes
the values and prints their SHA-256 hash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			values, err := snapshot.ParseFile(file, data)
			if err != nil {
				return err
			}
			sum := snapshot.HashValues(values)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"hash": sum, "values": values})
			}
			if !verbose {
				fmt.Println(sum)
				return nil
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := newTable("Key", "Value")
			for _, k := range keys {
				tw.AppendRow(table.Row{k, values[k]})
			}
			tw.AppendFooter(table.Row{"hash", sum})
			tw.Render()
			return nil
		},
	}
	hash.Flags().StringVarP(&file, "file", "f", "", "config file (.yml, .yaml, .json or .properties)")
	hash.Flags().BoolVarP(&verbose, "verbose", "v", false, "also list the flattened values")
	_ = hash.MarkFlagRequired("file")
	snap.AddCommand(hash)
	return snap
}
