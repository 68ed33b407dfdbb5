package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shufflelink.ai/internal/client"
	"shufflelink.ai/internal/gameworld"
	"shufflelink.ai/internal/session"
	"shufflelink.ai/internal/telemetry"
)

func connectCmd(flags *rootFlags) *cobra.Command {
	var deathLink bool
	cmd := &cobra.Command{
		Use:   "connect [server:port] [slot] [password]",
		Short: "Connect a save file and drive a simulated game from stdin",
		Long: `Connect authenticates the slot and keeps the session open. The game is an
in-memory world driven by commands on stdin (type "help").

Server, slot and password default to the save's last profile, or to the
config file for a save that never connected.

Examples:
  shufflelink connect localhost:38281 Ittle
  shufflelink connect archipelago.gg:51234 Ittle hunter2 --save file2`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("deathlink") {
				cfg.DeathLink = deathLink
			}
			logger := newLogger()

			profiles, err := session.OpenProfiles(cfg.ProfilesPath)
			if err != nil {
				return err
			}
			if p, ok := profiles.Get(cfg.Save); ok {
				cfg.Server, cfg.Slot, cfg.Password = p.Server, p.Slot, p.Password
				if !cmd.Flags().Changed("deathlink") {
					cfg.DeathLink = p.DeathLink
				}
			}
			if len(args) > 0 {
				cfg.Server = args[0]
			}
			if len(args) > 1 {
				cfg.Slot = args[1]
			}
			if len(args) > 2 {
				cfg.Password = args[2]
			}
			if cfg.Server == "" || cfg.Slot == "" {
				return cmd.Usage()
			}

			ctx, cancel := signalContext()
			defer cancel()

			shutdown, err := telemetry.Setup(ctx, "shufflelink-client", cfg.OtelEndpoint)
			if err != nil {
				logger.Printf("telemetry disabled: %v", err)
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()

			world := gameworld.NewMemory()
			c, err := client.Open(client.Options{Config: cfg, World: world, Logger: logger})
			if err != nil {
				return err
			}
			defer c.Close()

			cctx, ccancel := context.WithTimeout(ctx, cfg.HandshakeTimeout()+5*time.Second)
			info, err := c.Connect(cctx, cfg.Server, cfg.Slot, cfg.Password)
			ccancel()
			if err != nil {
				return connectError(err)
			}
			logger.Printf("playing as %s (slot %d) on seed %s", info.Slot, info.SlotID, info.SeedName)

			d := &driver{client: c, world: world, out: cmd.OutOrStdout()}
			return d.run(ctx, os.Stdin)
		},
	}
	cmd.Flags().BoolVar(&deathLink, "deathlink", false, "share deaths with other DeathLink players")
	return cmd
}

// connectError adds what the player can do about a failed connect.
func connectError(err error) error {
	var ae *session.AuthError
	switch {
	case session.IsRetryable(err):
		return fmt.Errorf("%w (coordinator unreachable; try again)", err)
	case errors.As(err, &ae):
		return fmt.Errorf("%w (check the slot name and password)", err)
	}
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
