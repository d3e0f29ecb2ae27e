package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/generator"
)

// Theme はターミナル出力の配色です。
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Error   lipgloss.Color
}

var defaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Error:   lipgloss.Color("#ff5f87"),
}

type styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
	Border lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Cell:   lipgloss.NewStyle().Padding(0, 1),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
		Error:  lipgloss.NewStyle().Foreground(t.Error),
		Border: lipgloss.NewStyle().Foreground(t.Dim),
	}
}

var ui = newStyles(defaultTheme)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(ui.Border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return ui.Header
			}
			return ui.Cell
		}).
		Headers(headers...)
}

// shortID は表示用に ID の先頭 8 文字を返します。
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func seedString(seed *int64) string {
	if seed == nil {
		return "-"
	}
	return fmt.Sprint(*seed)
}

// itemView は JSON 出力用の Item です。
type itemView struct {
	Index    int           `json:"index"`
	Position string        `json:"position,omitempty"`
	Asset    *domain.Asset `json:"asset,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type batchView struct {
	Seed   *int64     `json:"seed,omitempty"`
	Failed int        `json:"failed"`
	Items  []itemView `json:"items"`
}

func toBatchView(res *generator.BatchResult) batchView {
	out := batchView{Seed: res.Seed, Failed: res.Failed(), Items: make([]itemView, len(res.Items))}
	for i, it := range res.Items {
		out.Items[i] = itemView{Index: it.Index, Position: it.Position, Asset: it.Asset}
		if it.Err != nil {
			out.Items[i].Error = it.Err.Error()
		}
	}
	return out
}

// finishBatch はバッチ結果を出力します。全件失敗でも結果は出力し、そのうえで err を返して終了コードを非 0 にします。
func finishBatch(w io.Writer, res *generator.BatchResult, err error, render func(io.Writer, *generator.BatchResult)) error {
	if err != nil && !generator.IsBatchFailed(err) {
		return err
	}
	if outputJSON {
		if perr := printJSON(w, toBatchView(res)); perr != nil {
			return perr
		}
	} else {
		render(w, res)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cellLabel(it generator.Item) string {
	if it.Err != nil {
		var all *domain.AllProvidersFailedError
		switch {
		case errors.As(it.Err, &all):
			return ui.Error.Render(fmt.Sprintf("✗ %d providers", len(all.Failures)))
		case errors.Is(it.Err, context.DeadlineExceeded), errors.Is(it.Err, context.Canceled):
			return ui.Error.Render("✗ aborted")
		}
		return ui.Error.Render("✗ " + string(domain.ClassOf(it.Err)))
	}
	if it.Asset == nil {
		return ui.Dim.Render("-")
	}
	return shortID(it.Asset.ID) + " " + ui.Dim.Render(it.Asset.Provider)
}

// renderMatrix は行 × 列のグリッドとしてバッチ結果を描画します。
func renderMatrix(w io.Writer, res *generator.BatchResult, row, col domain.MatrixAxis) {
	headers := append([]string{row.Name + " \\ " + col.Name}, col.Values...)
	grid := make([][]string, row.Len())
	for r := range grid {
		grid[r] = make([]string, col.Len()+1)
		grid[r][0] = row.Values[r]
	}
	for _, it := range res.Items {
		r, c, err := domain.ParsePosition(it.Position)
		if err != nil || r >= row.Len() || c >= col.Len() {
			continue
		}
		grid[r][c+1] = cellLabel(it)
	}
	t := newTable(headers...).Rows(grid...)

	fmt.Fprintln(w, ui.Title.Render(fmt.Sprintf("matrix %dx%d  seed=%s", row.Len(), col.Len(), seedString(res.Seed))))
	fmt.Fprintln(w, t.String())
	renderFailures(w, res)
}

// renderVariations は inspire の結果を一覧で描画します。
func renderVariations(w io.Writer, res *generator.BatchResult) {
	t := newTable("#", "asset", "provider", "seed", "locator")
	for _, it := range res.Items {
		if it.Asset == nil {
			t.Row(fmt.Sprint(it.Index), cellLabel(it), "", "", "")
			continue
		}
		a := it.Asset
		t.Row(fmt.Sprint(it.Index), shortID(a.ID), a.Provider, seedString(a.Request.Seed), a.PrimaryLocator())
	}
	fmt.Fprintln(w, ui.Title.Render(fmt.Sprintf("variations %d", len(res.Items))))
	fmt.Fprintln(w, t.String())
	renderFailures(w, res)
}

func renderFailures(w io.Writer, res *generator.BatchResult) {
	if res.Failed() == 0 {
		return
	}
	fmt.Fprintln(w, ui.Error.Render(fmt.Sprintf("%d/%d failed", res.Failed(), len(res.Items))))
	for _, it := range res.Items {
		if it.Err == nil {
			continue
		}
		label := it.Position
		if label == "" {
			label = fmt.Sprint(it.Index)
		}
		fmt.Fprintf(w, "  %s %s\n", ui.Dim.Render(label), it.Err)
	}
}

// renderAsset は 1 件の資産を DNA つきで描画します。
func renderAsset(w io.Writer, a domain.Asset) {
	fmt.Fprintln(w, ui.Title.Render("asset "+a.ID))
	rows := [][]string{
		{"project", a.ProjectID},
		{"mode", string(a.Mode)},
		{"parent", a.ParentID},
		{"provider", a.Provider},
		{"position", a.MatrixPosition},
		{"mutated", strings.Join(a.MutatedFields, ", ")},
		{"seed", seedString(a.Request.Seed)},
		{"used seed", seedString(a.UsedSeed)},
		{"prompt", a.Request.ProviderPrompt()},
		{"aspect", a.Request.AspectRatio},
		{"locators", strings.Join(a.Locators, "\n")},
		{"created", a.CreatedAt.Format(time.RFC3339)},
	}
	t := newTable("field", "value")
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		t.Row(r...)
	}
	fmt.Fprintln(w, t.String())
}

// renderAssets は資産の一覧を描画します。
func renderAssets(w io.Writer, title string, assets []domain.Asset) {
	t := newTable("seq", "asset", "mode", "parent", "mutated", "prompt")
	for _, a := range assets {
		t.Row(
			fmt.Sprint(a.Seq),
			shortID(a.ID),
			string(a.Mode),
			shortID(a.ParentID),
			strings.Join(a.MutatedFields, ","),
			truncate(a.Request.Prompt, 40),
		)
	}
	fmt.Fprintln(w, ui.Title.Render(fmt.Sprintf("%s (%d)", title, len(assets))))
	fmt.Fprintln(w, t.String())
}

// renderProviders はプロバイダの試行順と健全性を描画します。
func renderProviders(w io.Writer, descs []domain.ProviderDescriptor) {
	t := newTable("priority", "provider", "state", "failures", "disabled until")
	for _, d := range descs {
		state := string(d.State)
		if d.State != domain.HealthAvailable {
			state = ui.Error.Render(state)
		}
		until := "-"
		if !d.DisabledUntil.IsZero() {
			until = d.DisabledUntil.Format(time.RFC3339)
		}
		t.Row(fmt.Sprint(d.Priority), d.Name, state, fmt.Sprint(d.ConsecutiveFailures), until)
	}
	fmt.Fprintln(w, t.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
