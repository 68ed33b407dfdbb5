package deathlink

import (
	"io"
	"log"
	"testing"
	"time"

	"shufflelink.ai/internal/gameworld"
	"shufflelink.ai/internal/gate"
	"shufflelink.ai/internal/protocol"
)

type bounceRec struct{ data []map[string]any }

func (b *bounceRec) Bounce(tags []string, data map[string]any) error {
	b.data = append(b.data, data)
	return nil
}

// deaths routes world death events back into the observer, as the client
// does.
type deaths struct{ o *Observer }

func (d *deaths) PlayerSpawned(string)              {}
func (d *deaths) PlayerDespawned()                  {}
func (d *deaths) SceneLoaded(string)                {}
func (d *deaths) ItemsReady()                       {}
func (d *deaths) LocationFlagSet(scene, key string) {}
func (d *deaths) PlayerDied(cause string)           { d.o.PlayerDied(cause) }

func setup(t *testing.T) (*Observer, *gameworld.Memory, *bounceRec, *gate.Gate) {
	t.Helper()
	w := gameworld.NewMemory()
	g := gate.New(gate.Player)
	b := &bounceRec{}
	clock := time.Unix(1700000000, 0)
	o := New(Config{
		Source:  "Ittle",
		World:   w,
		Bouncer: b,
		Gate:    g,
		Logger:  log.New(io.Discard, "", 0),
		Now:     func() time.Time { return clock },
	})
	w.Bind(&deaths{o: o})
	return o, w, b, g
}

func TestDeathLink_LocalDeathBounces(t *testing.T) {
	_, w, b, _ := setup(t)
	w.LoadScene("FluffyFields")
	w.Spawn()
	w.Die("fell in a pit")
	if len(b.data) != 1 {
		t.Fatalf("bounces: %v", b.data)
	}
	if b.data[0]["source"] != "Ittle" || b.data[0]["cause"] != "Ittle died: fell in a pit" {
		t.Fatalf("bounce data: %v", b.data[0])
	}
}

func TestDeathLink_RemoteDeathKillsOnceGated(t *testing.T) {
	o, w, b, g := setup(t)
	o.Bounced(protocol.BouncedPacket{Tags: []string{protocol.TagDeathLink}, Data: map[string]any{"source": "Bob", "time": 1.0}})
	if w.Deaths() != 0 {
		t.Fatalf("kill should wait for a player")
	}
	w.LoadScene("FluffyFields")
	w.Spawn()
	g.Set(gate.Player, true)
	if w.Deaths() != 1 {
		t.Fatalf("deaths: %d", w.Deaths())
	}
	if len(b.data) != 0 {
		t.Fatalf("a linked death must not bounce back: %v", b.data)
	}
}

func TestDeathLink_IgnoresOwnEchoAndOtherTags(t *testing.T) {
	o, w, b, g := setup(t)
	w.LoadScene("FluffyFields")
	w.Spawn()
	g.Set(gate.Player, true)
	w.Die("spikes")
	echo := protocol.BouncedPacket{Tags: []string{protocol.TagDeathLink}, Data: b.data[0]}
	w.Spawn()
	o.Bounced(echo)
	o.Bounced(protocol.BouncedPacket{Tags: []string{"Other"}, Data: map[string]any{"source": "Bob"}})
	if w.Deaths() != 1 {
		t.Fatalf("deaths: %d", w.Deaths())
	}
}
