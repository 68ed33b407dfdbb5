package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"shufflelink.ai/internal/config"
)

type rootFlags struct {
	configPath string
	save       string
	dataDir    string
	catalogDir string
}

func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.save != "" {
		cfg.Save = f.save
	}
	if f.catalogDir != "" {
		cfg.CatalogDir = f.catalogDir
	}
	if f.dataDir != "" {
		// --data moves every runtime file.
		cfg.DataDir = f.dataDir
		cfg.DBPath, cfg.JournalDir, cfg.ProfilesPath = "", "", ""
		cfg.Resolve()
	}
	return cfg, cfg.Validate()
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)
}

func main() {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "shufflelink",
		Short: "Multiworld item sync client",
		Long: `shufflelink connects a save file to a multiworld coordinator, applies the
items other players send, and reports the locations this player checks.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "configs/client.yaml", "client config file")
	root.PersistentFlags().StringVar(&flags.save, "save", "", "save file name (overrides config)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data", "", "runtime data directory (overrides config)")
	root.PersistentFlags().StringVar(&flags.catalogDir, "catalog", "", "directory holding locations.json and items.json")

	root.AddCommand(connectCmd(flags))
	root.AddCommand(catalogCmd(flags))
	root.AddCommand(statusCmd(flags))
	root.AddCommand(savesCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
