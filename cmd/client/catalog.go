package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"shufflelink.ai/internal/catalog"
	"shufflelink.ai/internal/flagset"
)

func catalogCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the location and item tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate locations.json, items.json and flagsets.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).Sprint("OK")

			cat, err := catalog.Load(cfg.CatalogDir)
			if err != nil {
				fmt.Fprintf(out, "catalog   %s %v\n", color.New(color.FgRed).Sprint("FAIL"), err)
				return err
			}
			fmt.Fprintf(out, "catalog   %s locations=%d (base %d) items=%d (base %d)\n",
				ok, len(cat.Locations()), cat.LocationsBaseID, cat.NumItems(), cat.ItemsBaseID)
			fmt.Fprintf(out, "          locations sha256 %s\n", cat.LocationsDigest)
			fmt.Fprintf(out, "          items     sha256 %s\n", cat.ItemsDigest)

			if cfg.FlagsetsPath == "" {
				return nil
			}
			sets, err := flagset.Load(cfg.FlagsetsPath)
			if err != nil {
				fmt.Fprintf(out, "flagsets  %s %v\n", color.New(color.FgRed).Sprint("FAIL"), err)
				return err
			}
			total := 0
			for _, s := range sets.Sets {
				total += len(s.Expand())
			}
			fmt.Fprintf(out, "flagsets  %s sets=%d flags=%d\n", ok, len(sets.Sets), total)
			return nil
		},
	})
	return cmd
}
