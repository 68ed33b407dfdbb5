package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"shufflelink.ai/internal/session"
)

func savesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "saves",
		Short: "List save files with a stored connection profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			profiles, err := session.OpenProfiles(cfg.ProfilesPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := profiles.SaveFiles()
			if len(names) == 0 {
				fmt.Fprintln(out, "no saves have connected yet")
				return nil
			}
			for _, name := range names {
				p, _ := profiles.Get(name)
				mark := " "
				if name == cfg.Save {
					mark = color.New(color.FgGreen).Sprint("*")
				}
				fmt.Fprintf(out, "%s %-10s %s@%s  last connected %s\n", mark, name, p.Slot, p.Server, lastConnected(p))
			}
			return nil
		},
	}
}
