package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shouni/image-matrix-kit/pkg/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the parameter allow-list",
	Long: `Print the parameter allow-list. With --json the full request schema is
printed as JSON Schema, suitable for editors and request-file validation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := schema.NewValidator()
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), v.JSONSchema())
		}
		table := v.Table()
		t := newTable("parameter", "kind", "domain", "description")
		for _, name := range table.Names() {
			rule := table.Rules[name]
			t.Row(name, string(rule.Kind), ruleDomain(rule), rule.Description)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Title.Render("parameters (table "+table.Version+")"))
		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}

func ruleDomain(r schema.Rule) string {
	switch r.Kind {
	case schema.KindEnum:
		return strings.Join(r.Values, " | ")
	case schema.KindRange:
		return fmt.Sprintf("%g .. %g", r.Min, r.Max)
	case schema.KindText:
		return fmt.Sprintf("text ≤ %d", r.MaxLength)
	}
	return ""
}
