package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/lineage"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Inspect recorded assets and their ancestry",
}

var lineageShowCmd = &cobra.Command{
	Use:   "show <asset-id>",
	Short: "Show one asset and its full request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLineage(cmd, func(ctx context.Context, s *lineage.Store) error {
			asset, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), asset)
			}
			renderAsset(cmd.OutOrStdout(), asset)
			return nil
		})
	},
}

var lineageAncestorsCmd = &cobra.Command{
	Use:   "ancestors <asset-id>",
	Short: "List an asset's ancestors, nearest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listAssets(cmd, "ancestors", func(ctx context.Context, s *lineage.Store) ([]domain.Asset, error) {
			return s.Ancestors(ctx, args[0])
		})
	},
}

var lineageChildrenCmd = &cobra.Command{
	Use:   "children <asset-id>",
	Short: "List an asset's direct children in creation order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listAssets(cmd, "children", func(ctx context.Context, s *lineage.Store) ([]domain.Asset, error) {
			return s.Children(ctx, args[0])
		})
	},
}

var lineageProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "List every asset of the current project in creation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listAssets(cmd, "project "+globalConfig.Project, func(ctx context.Context, s *lineage.Store) ([]domain.Asset, error) {
			return s.Project(ctx, globalConfig.Project)
		})
	},
}

func init() {
	lineageCmd.AddCommand(lineageShowCmd)
	lineageCmd.AddCommand(lineageAncestorsCmd)
	lineageCmd.AddCommand(lineageChildrenCmd)
	lineageCmd.AddCommand(lineageProjectCmd)
}

// withLineage は系譜ストアだけを開いて fn を実行します。
func withLineage(cmd *cobra.Command, fn func(ctx context.Context, s *lineage.Store) error) error {
	ctx := cmd.Context()
	store, err := openLineage(ctx, globalConfig, schema.NewValidator())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func listAssets(cmd *cobra.Command, title string, list func(ctx context.Context, s *lineage.Store) ([]domain.Asset, error)) error {
	return withLineage(cmd, func(ctx context.Context, s *lineage.Store) error {
		assets, err := list(ctx, s)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), assets)
		}
		renderAssets(cmd.OutOrStdout(), title, assets)
		return nil
	})
}
