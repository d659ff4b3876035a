package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	koru "github.com/swyrknt/koru-delta"
)

// Styles for stats output
var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	})
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	})
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	})
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key counts, tier footprints, and peer health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				st, err := db.Stats(ctx)
				if err != nil {
					return err
				}
				printStats(st)
				return nil
			})
		},
	}
}

func printStats(st *koru.Stats) {
	fmt.Println(headerStyle.Render("node " + st.NodeID))
	row("namespaces", fmt.Sprint(st.Namespaces))
	row("keys", fmt.Sprint(st.Keys))
	row("versions", fmt.Sprint(st.Versions))
	row("blobs", fmt.Sprint(st.Blobs))
	row("vectors", fmt.Sprint(st.Vectors))
	row("memory", humanBytes(st.MemoryBytes))
	row("disk", humanBytes(st.DiskBytes))
	row("wal segments", fmt.Sprint(st.WALSegments))

	fmt.Println(headerStyle.Render("tiers"))
	tiers := make([]string, 0, len(st.Tiers))
	for name := range st.Tiers {
		tiers = append(tiers, name)
	}
	sort.Strings(tiers)
	for _, name := range tiers {
		t := st.Tiers[name]
		row(name, fmt.Sprintf("%d blobs, %s", t.Blobs, humanBytes(t.Bytes)))
	}

	if len(st.Peers) > 0 {
		fmt.Println(headerStyle.Render("peers"))
		for _, p := range st.Peers {
			state := p.State
			if state == "stale" {
				state = staleStyle.Render(state)
			}
			detail := state
			if p.LastExchange != "" {
				detail += ", last " + p.LastExchange
			}
			row(p.Addr, detail)
		}
	}
}

func row(label, value string) {
	pad := 14 - len(label)
	if pad < 1 {
		pad = 1
	}
	fmt.Printf("  %s%s%s\n", labelStyle.Render(label), strings.Repeat(" ", pad), valueStyle.Render(value))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
