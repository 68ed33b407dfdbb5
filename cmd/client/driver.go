package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"shufflelink.ai/internal/client"
)

// world is the part of gameworld.Memory the driver plays with.
type world interface {
	LoadScene(scene string)
	Spawn()
	MarkItemsReady()
	Die(cause string)
	SetLocationFlag(key string)
	String() string
}

type clientAPI interface {
	Status(ctx context.Context) (client.Status, error)
	Disconnect(ctx context.Context) error
}

type driver struct {
	client clientAPI
	world  world
	out    io.Writer
}

const driverHelp = `commands:
  scene <name>    load a scene (despawns the player)
  spawn           spawn the player in the current scene
  ready           mark the item system ready
  flag <key>      set a location flag in the current scene
  die [cause]     kill the player
  world           show the world state
  status          show sync status
  quit            disconnect and exit
`

// run reads commands until quit, EOF or ctx ends.
func (d *driver) run(ctx context.Context, in io.Reader) error {
	readCtx, stop := context.WithCancel(ctx)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return d.client.Disconnect(context.Background())
		case line, ok := <-lines:
			if !ok {
				return d.client.Disconnect(ctx)
			}
			quit, err := d.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(d.out, "error: %v\n", err)
			}
			if quit {
				return d.client.Disconnect(ctx)
			}
		}
	}
}

func (d *driver) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	switch fields[0] {
	case "help", "?":
		fmt.Fprint(d.out, driverHelp)
	case "scene":
		if arg == "" {
			return false, fmt.Errorf("scene needs a name")
		}
		d.world.LoadScene(arg)
	case "spawn":
		d.world.Spawn()
	case "ready":
		d.world.MarkItemsReady()
	case "flag":
		if arg == "" {
			return false, fmt.Errorf("flag needs a key")
		}
		d.world.SetLocationFlag(arg)
	case "die":
		d.world.Die(arg)
	case "world":
		fmt.Fprintln(d.out, d.world.String())
	case "status":
		st, err := d.client.Status(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(d.out, "session=%s slot=%s cursor=%d pending=%d ready=%v goal=%s done=%v deathlink=%v\n",
			st.Session.Status, st.Session.Slot, st.Cursor, st.Pending, st.Ready, st.GoalKind, st.GoalDone, st.DeathLink)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return false, nil
}
