package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/generator"
)

var (
	inspireSubject    string
	inspireDescribe   string
	inspireVariations int
	inspireTimeout    time.Duration
)

var inspireCmd = &cobra.Command{
	Use:   "inspire <asset-id>",
	Short: "Generate variations styled after an existing asset",
	Long: `Generate variations styled after an existing asset.

The source asset's image is sent as the reference image and every variation
gets a fresh seed. --subject replaces the prompt while keeping the style
parameters.

Examples:
  imgmatrix inspire 3f2a...
  imgmatrix inspire 3f2a... --subject "blue backpack" -n 5
  imgmatrix inspire 3f2a... --describe "same look, but a ceramic mug in a luxury mood"`,
	Args: cobra.ExactArgs(1),
	RunE: runInspire,
}

func init() {
	f := inspireCmd.Flags()
	f.StringVar(&inspireSubject, "subject", "", "new subject prompt")
	f.StringVar(&inspireDescribe, "describe", "", "natural-language brief for the new subject and style changes (--subject wins)")
	f.IntVarP(&inspireVariations, "variations", "n", generator.DefaultVariations, "number of variations (1-8)")
	f.DurationVar(&inspireTimeout, "timeout", 0, "overall deadline; unfinished variations are reported as failed")
}

func runInspire(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, inspireTimeout, func(ctx context.Context, a *app) error {
		subject := inspireSubject
		var overrides map[string]any
		if inspireDescribe != "" {
			tr, err := a.describer()
			if err != nil {
				return err
			}
			translated, err := tr.Describe(ctx, inspireDescribe)
			if err != nil {
				return err
			}
			subject, overrides = splitSubject(subject, translated)
		}
		res, err := a.gen.Inspire(ctx, generator.InspireCommand{
			SourceID:   args[0],
			Subject:    subject,
			Overrides:  overrides,
			Variations: inspireVariations,
		})
		return finishBatch(cmd.OutOrStdout(), res, err, renderVariations)
	})
}

// splitSubject は翻訳結果のプロンプトを新しい主題として取り出し、残りを雛形への変更として返します。
// --subject を明示した場合はそちらを優先します。
func splitSubject(subject string, translated map[string]any) (string, map[string]any) {
	overrides := make(map[string]any, len(translated))
	for k, v := range translated {
		if k == domain.FieldPrompt {
			if p, ok := v.(string); ok && subject == "" {
				subject = p
			}
			continue
		}
		overrides[k] = v
	}
	return subject, overrides
}
