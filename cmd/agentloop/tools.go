package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentloop/internal/tools"
)

func newToolsCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List or search the tool catalog",
		Long: `Print the tools plans can call: the builtins, document search and every
tool imported from configured MCP servers.

Examples:
  agentloop tools
  agentloop tools --search factorial
  agentloop tools --search '^log'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg, !verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			deps, err := initDependencies(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize dependencies: %w", err)
			}
			defer deps.Close()

			if query != "" {
				return printSearch(cmd.OutOrStdout(), deps.registry.Search(query))
			}
			return printTools(cmd.OutOrStdout(), deps.registry.List())
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "search by name, description or keyword (regular expressions allowed)")
	return cmd
}

func printTools(out io.Writer, list []*tools.Tool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tPARAMS\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			t.Name,
			t.Category,
			strings.Join(t.Params, ", "),
			truncate(t.Description, 60))
	}
	return w.Flush()
}

func printSearch(out io.Writer, results []*tools.SearchResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(out, "no matching tools")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCORE\tMATCH\tDESCRIPTION")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			r.Tool.Name,
			r.Score,
			r.MatchReason,
			truncate(r.Tool.Description, 60))
	}
	return w.Flush()
}
