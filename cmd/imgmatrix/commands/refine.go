package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/shouni/image-matrix-kit/pkg/generator"
)

var (
	refineSets    []string
	refineReseed   bool
	refineDescribe string
	refineTimeout  time.Duration
)

var refineCmd = &cobra.Command{
	Use:   "refine <asset-id>",
	Short: "Regenerate an asset with only the given fields changed",
	Long: `Regenerate an asset with only the given fields changed.

The parent's seed and every other field are kept, so the child differs from
the parent only where you asked. Use "name=" to remove a parameter.

Examples:
  imgmatrix refine 3f2a... --set lighting=dramatic
  imgmatrix refine 3f2a... --set style=watercolor --set palette=
  imgmatrix refine 3f2a... --reseed
  imgmatrix refine 3f2a... --describe "warmer light, drop the palette"`,
	Args: cobra.ExactArgs(1),
	RunE: runRefine,
}

func init() {
	f := refineCmd.Flags()
	f.StringArrayVar(&refineSets, "set", nil, "field name=value to change (repeatable)")
	f.BoolVar(&refineReseed, "reseed", false, "draw a new seed (declares seed as changed)")
	f.StringVar(&refineDescribe, "describe", "", "natural-language modification translated into changes (--set wins)")
	f.DurationVar(&refineTimeout, "timeout", 0, "overall deadline")
}

func runRefine(cmd *cobra.Command, args []string) error {
	mutations, err := parseAssignments(refineSets)
	if err != nil {
		return err
	}
	if len(mutations) == 0 && !refineReseed && refineDescribe == "" {
		return errors.New("nothing to change: pass --set name=value, --describe or --reseed")
	}

	return runWithApp(cmd, refineTimeout, func(ctx context.Context, a *app) error {
		if refineDescribe != "" {
			tr, err := a.describer()
			if err != nil {
				return err
			}
			parent, err := a.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			translated, err := tr.Modify(ctx, parent.Request, refineDescribe)
			if err != nil {
				return err
			}
			mergeUnder(mutations, translated)
		}
		asset, err := a.gen.Refine(ctx, generator.RefineCommand{
			ParentID:  args[0],
			Mutations: mutations,
			Reseed:    refineReseed,
		})
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), asset)
		}
		renderAsset(cmd.OutOrStdout(), *asset)
		return nil
	})
}
