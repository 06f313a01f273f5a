package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var amounts = message.NewPrinter(language.French)

// wantJSON is true with --json or when stdout is not a terminal.
func wantJSON() bool {
	if viper.GetBool("json") {
		return true
	}
	fd := os.Stdout.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

// printRecord renders one entity as a two column table, or as JSON.
func printRecord(v any, rows [][2]string) error {
	if wantJSON() {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: text.Colors{text.Bold}}})
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
	return nil
}

// money formats an amount with French digit grouping, e.g. "1 500 000".
func money(d decimal.Decimal) string {
	f, _ := d.Float64()
	return amounts.Sprint(number.Decimal(f, number.MaxFractionDigits(2)))
}

// ago renders an RFC3339 stamp relative to now.
func ago(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func yesNo(b bool) string {
	if b {
		return "oui"
	}
	return ""
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}

func formatCount(n int, noun string) string {
	return fmt.Sprintf("%s %s", humanize.Comma(int64(n)), noun)
}
