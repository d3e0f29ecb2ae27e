package commands

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/generator"
	"github.com/shouni/image-matrix-kit/pkg/matrix"
)

// runWithApp はシグナルとタイムアウトつきのコンテキストで app を組み立てて fn を実行します。
func runWithApp(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	stopMetrics := serveMetrics(ctx, reg)
	defer stopMetrics()

	a, err := newApp(ctx, globalConfig, reg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var (
	genFile        string
	genNegative    string
	genSeed        int64
	genAspect      string
	genCount       int
	genReference   string
	genParams      []string
	genRow, genCol string
	genDescribe    string
	genTimeout     time.Duration
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Render a prompt across a row x column matrix with one shared seed",
	Long: `Render a prompt across a row x column matrix.

Every cell shares the same seed, so differences between cells come only from
the two axis values. Axes default to camera angle x lighting (3x3).

Examples:
  imgmatrix generate "red sneaker" --seed 12345
  imgmatrix generate "red sneaker" --row angle=front,side --col lighting=studio,neon
  imgmatrix generate -f request.yaml --param style=minimal
  imgmatrix generate --describe "moody close-up of a leather wallet, 4:5"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&genFile, "file", "f", "", "base request file (YAML or JSON)")
	f.StringVar(&genNegative, "negative", "", "negative prompt")
	f.Int64Var(&genSeed, "seed", 0, "seed shared by every cell (random if omitted)")
	f.StringVar(&genAspect, "aspect", "", "aspect ratio (e.g. 1:1, 16:9)")
	f.IntVar(&genCount, "count", 0, "images per cell (1-4)")
	f.StringVar(&genReference, "reference", "", "reference image URL")
	f.StringArrayVar(&genParams, "param", nil, "parameter name=value (repeatable)")
	f.StringVar(&genRow, "row", "", "row axis name=v1,v2,...")
	f.StringVar(&genCol, "col", "", "column axis name=v1,v2,...")
	f.StringVar(&genDescribe, "describe", "", "natural-language brief translated into the request (explicit flags win)")
	f.DurationVar(&genTimeout, "timeout", 0, "overall deadline; unfinished cells are reported as failed")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	flags, err := parseAssignments(genParams)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		flags[domain.FieldPrompt] = args[0]
	}
	if cmd.Flags().Changed("seed") {
		flags[domain.FieldSeed] = genSeed
	}
	if genNegative != "" {
		flags[domain.FieldNegativePrompt] = genNegative
	}
	if genAspect != "" {
		flags[domain.FieldAspectRatio] = genAspect
	}
	if genCount != 0 {
		flags[domain.FieldResultCount] = genCount
	}
	if genReference != "" {
		flags[domain.FieldReferenceURL] = genReference
	}

	row, err := parseAxis(genRow)
	if err != nil {
		return err
	}
	col, err := parseAxis(genCol)
	if err != nil {
		return err
	}
	if row.Name == "" {
		row = matrix.DefaultRowAxis
	}
	if col.Name == "" {
		col = matrix.DefaultColAxis
	}

	return runWithApp(cmd, genTimeout, func(ctx context.Context, a *app) error {
		if genDescribe != "" {
			tr, err := a.describer()
			if err != nil {
				return err
			}
			translated, err := tr.Describe(ctx, genDescribe)
			if err != nil {
				return err
			}
			mergeUnder(flags, translated)
		}
		base, err := buildRequest(a.validator, genFile, flags)
		if err != nil {
			return err
		}
		res, err := a.gen.Generate(ctx, generator.GenerateCommand{
			ProjectID: a.cfg.Project,
			Base:      base,
			RowAxis:   row,
			ColAxis:   col,
		})
		return finishBatch(cmd.OutOrStdout(), res, err, func(w io.Writer, res *generator.BatchResult) {
			renderMatrix(w, res, row, col)
		})
	})
}
