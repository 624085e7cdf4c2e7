package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"airstream/internal/hls"
)

func newLadderCommand(ctx *commandContext) *cobra.Command {
	var manifest bool

	cmd := &cobra.Command{
		Use:   "ladder",
		Short: "Show the configured rendition ladder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			if err := cfg.Ladder.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if manifest {
				_, err := out.Write(hls.BuildMaster(cfg.Ladder))
				return err
			}
			fmt.Fprintln(out, renderLadder(cfg.Ladder))
			return nil
		},
	}
	cmd.Flags().BoolVar(&manifest, "manifest", false, "Print the master manifest instead of a table")
	return cmd
}

func renderLadder(ladder hls.Ladder) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Name", "Resolution", "Video kbps", "Audio kbps", "Maxrate kbps", "Buffer kbps", "Bandwidth"})
	for _, r := range ladder {
		tw.AppendRow(table.Row{
			r.Name,
			r.Resolution(),
			strconv.Itoa(r.VideoKbps),
			strconv.Itoa(r.AudioKbps),
			strconv.Itoa(r.MaxRateKbps),
			strconv.Itoa(r.BufferKbps),
			strconv.Itoa(r.Bandwidth()),
		})
	}
	configs := make([]table.ColumnConfig, 0, 5)
	for col := 3; col <= 7; col++ {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
