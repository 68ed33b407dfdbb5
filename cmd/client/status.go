package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"shufflelink.ai/internal/catalog"
	"shufflelink.ai/internal/persistence/journal"
	"shufflelink.ai/internal/persistence/store"
	"shufflelink.ai/internal/session"
)

func statusCmd(flags *rootFlags) *cobra.Command {
	var (
		tail      int
		locations bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync progress recorded for a save file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfg.DBPath); err != nil {
				return fmt.Errorf("no progress for %s: %w", cfg.Save, err)
			}
			st, err := store.OpenSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			cursor, err := st.Cursor(cfg.Save)
			if err != nil {
				return err
			}
			applied, err := st.Applied(cfg.Save)
			if err != nil {
				return err
			}
			reported, err := st.Reported(cfg.Save)
			if err != nil {
				return err
			}
			g, err := st.Goal(cfg.Save)
			if err != nil {
				return err
			}
			failed := 0
			for _, it := range applied {
				if it.Failed {
					failed++
				}
			}

			fmt.Fprintf(out, "save      %s\n", cfg.Save)
			if profiles, err := session.OpenProfiles(cfg.ProfilesPath); err == nil {
				if p, ok := profiles.Get(cfg.Save); ok {
					fmt.Fprintf(out, "profile   %s@%s (last connected %s)\n", p.Slot, p.Server, lastConnected(p))
				}
			}
			fmt.Fprintf(out, "items     cursor=%d applied=%d failed=%d\n", cursor, len(applied), failed)
			fmt.Fprintf(out, "locations reported=%d\n", len(reported))
			if locations {
				cat, err := catalog.Load(cfg.CatalogDir)
				if err != nil {
					return err
				}
				for _, id := range reported {
					name := "(not in catalog)"
					if loc, ok := cat.Location(id); ok {
						name = loc.Name
					}
					fmt.Fprintf(out, "          %d %s\n", id, name)
				}
			}
			switch {
			case g.Completed:
				fmt.Fprintf(out, "goal      %s %s\n", g.Kind, color.New(color.FgGreen).Sprint("complete"))
			case g.Kind != "":
				fmt.Fprintf(out, "goal      %s\n", g.Kind)
			default:
				fmt.Fprintf(out, "goal      %s\n", color.New(color.FgYellow).Sprint("not complete"))
			}

			if tail <= 0 {
				return nil
			}
			entries, err := journal.ReadAll(cfg.JournalDir, "client")
			if err != nil {
				return err
			}
			var mine []journal.Entry
			for _, e := range entries {
				if e.Save == "" || e.Save == cfg.Save {
					mine = append(mine, e)
				}
			}
			if len(mine) > tail {
				mine = mine[len(mine)-tail:]
			}
			fmt.Fprintln(out)
			for _, e := range mine {
				fmt.Fprintln(out, formatEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 10, "journal entries to show")
	cmd.Flags().BoolVar(&locations, "locations", false, "list reported locations by name")
	return cmd
}

func formatEntry(e journal.Entry) string {
	line := fmt.Sprintf("%s %-16s", e.Time, e.Kind)
	switch {
	case e.Item != "":
		line += fmt.Sprintf(" #%d %s", e.Seq, e.Item)
		if e.Player != "" {
			line += " from " + e.Player
		}
	case e.LocationID != 0:
		line += fmt.Sprintf(" location %d", e.LocationID)
	case e.Text != "":
		line += " " + e.Text
	}
	if e.Err != "" {
		line += " " + color.New(color.FgRed).Sprint(e.Err)
	}
	return line
}

func lastConnected(p session.Profile) string {
	t := p.ConnectedTime()
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
