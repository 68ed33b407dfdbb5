package delivery

import (
	"errors"
	"io"
	"log"
	"testing"

	"shufflelink.ai/internal/catalog"
	"shufflelink.ai/internal/gameworld"
	"shufflelink.ai/internal/gate"
	"shufflelink.ai/internal/persistence/journal"
	"shufflelink.ai/internal/persistence/store"
	"shufflelink.ai/internal/protocol"
)

type frames struct{ pending []func() }

func (f *frames) AfterFrame(fn func()) { f.pending = append(f.pending, fn) }

func (f *frames) flush() {
	for len(f.pending) > 0 {
		p := f.pending
		f.pending = nil
		for _, fn := range p {
			fn()
		}
	}
}

type fakeWorld struct {
	granted []int64
	fail    map[int64]error
	onGrant func(def catalog.ItemDef)
}

func (w *fakeWorld) GrantItem(def catalog.ItemDef) error {
	if err := w.fail[def.RemoteID]; err != nil {
		return err
	}
	w.granted = append(w.granted, def.RemoteID)
	if w.onGrant != nil {
		w.onGrant(def)
	}
	return nil
}

type fakeStore struct{ items []store.AppliedItem }

func (s *fakeStore) RecordApplied(save string, it store.AppliedItem) error {
	s.items = append(s.items, it)
	return nil
}

type fakeJournal struct{ entries []journal.Entry }

func (j *fakeJournal) Record(e journal.Entry) error {
	j.entries = append(j.entries, e)
	return nil
}

type fakeSync struct{ calls int }

func (s *fakeSync) RequestSync() error {
	s.calls++
	return nil
}

type collector struct {
	delivered []Delivered
	sent      []Sent
}

func (c *collector) Delivered(d Delivered) { c.delivered = append(c.delivered, d) }
func (c *collector) Sent(s Sent)           { c.sent = append(c.sent, s) }

type harness struct {
	p       *Pipeline
	gate    *gate.Gate
	frames  *frames
	world   *fakeWorld
	store   *fakeStore
	journal *fakeJournal
	sync    *fakeSync
	obs     *collector
	alive   bool
}

func newHarness(t *testing.T, cursor int) *harness {
	t.Helper()
	cat, err := catalog.New(0, nil, 0, []catalog.ItemRecord{
		{Name: "Raft Piece", Offset: 7, Kind: catalog.KindCounter, Var: "raft"},
		{Name: "Stick", Offset: 9},
		{Name: "Fire Sword", Offset: 11},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	h := &harness{
		gate:    gate.New(),
		frames:  &frames{},
		world:   &fakeWorld{fail: map[int64]error{}},
		store:   &fakeStore{},
		journal: &fakeJournal{},
		sync:    &fakeSync{},
		obs:     &collector{},
		alive:   true,
	}
	h.gate.SetGuard(func() bool { return h.alive })
	h.p = New(Config{
		Save:    "file1",
		Catalog: cat,
		Gate:    h.gate,
		Frames:  h.frames,
		World:   h.world,
		Store:   h.store,
		Journal: h.journal,
		Sync:    h.sync,
		Logger:  log.New(io.Discard, "", 0),
	}, cursor)
	h.p.SetSelf(1, func(slot int) string {
		if slot == 1 {
			return "Ittle"
		}
		return "Bob"
	})
	h.p.Subscribe(h.obs)
	h.p.Subscribe(h.obs)
	return h
}

func (h *harness) open() {
	h.gate.Set(gate.Player, true)
	h.gate.Set(gate.Items, true)
	h.gate.Set(gate.Session, true)
}

func batch(index int, ids ...int64) protocol.ReceivedItemsPacket {
	p := protocol.ReceivedItemsPacket{Cmd: protocol.CmdReceivedItems, Index: index}
	for _, id := range ids {
		p.Items = append(p.Items, protocol.NetworkItem{Item: id, Player: 2})
	}
	return p
}

func sameIDs(t *testing.T, got, want []int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestPipeline_QueuedUntilReadyThenInOrder(t *testing.T) {
	h := newHarness(t, 0)
	h.p.Receive(batch(0, 7))
	h.p.Receive(batch(1, 9))
	if len(h.world.granted) != 0 || h.p.Applied() != 0 {
		t.Fatalf("applied before ready: %v", h.world.granted)
	}

	h.open()
	sameIDs(t, h.world.granted, []int64{7, 9})
	if h.p.Applied() != 2 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
	if len(h.obs.delivered) != 0 {
		t.Fatalf("observers must wait for the end of frame")
	}
	h.frames.flush()
	if len(h.obs.delivered) != 2 {
		t.Fatalf("observer should be notified once per item: %d", len(h.obs.delivered))
	}
	if d := h.obs.delivered[0]; d.Seq != 1 || d.ItemName != "Raft Piece" || d.From != "Bob" || d.FromSelf {
		t.Fatalf("delivered: %+v", d)
	}
	if len(h.store.items) != 2 || h.store.items[1].Seq != 2 {
		t.Fatalf("store: %+v", h.store.items)
	}
}

func TestPipeline_ReplayAppliesOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.open()
	h.p.Receive(batch(0, 7, 9))
	h.p.Receive(batch(0, 7, 9))

	// New connection resends the whole list.
	h.p.ResetSession()
	h.p.Receive(batch(0, 7, 9, 11))

	sameIDs(t, h.world.granted, []int64{7, 9, 11})
	if h.p.Applied() != 3 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
}

func TestPipeline_ResumesFromDurableCursor(t *testing.T) {
	h := newHarness(t, 2)
	h.open()
	h.p.Receive(batch(0, 7, 9, 11))
	sameIDs(t, h.world.granted, []int64{11})
	if h.p.Applied() != 3 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
}

func TestPipeline_UnknownItemDiscarded(t *testing.T) {
	h := newHarness(t, 0)
	h.open()
	h.p.Receive(batch(0, 424242))
	if h.p.Applied() != 0 || len(h.world.granted) != 0 {
		t.Fatalf("unknown item touched state: cursor=%d granted=%v", h.p.Applied(), h.world.granted)
	}
	if len(h.journal.entries) != 1 || h.journal.entries[0].Kind != journal.KindDiscarded {
		t.Fatalf("journal: %+v", h.journal.entries)
	}

	h.p.Receive(batch(1, 9))
	sameIDs(t, h.world.granted, []int64{9})
	if h.p.Applied() != 2 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
}

func TestPipeline_GapRequestsSync(t *testing.T) {
	h := newHarness(t, 0)
	h.open()
	h.p.Receive(batch(0, 7))
	h.p.Receive(batch(3, 11))
	if h.sync.calls != 1 {
		t.Fatalf("sync calls: %d", h.sync.calls)
	}
	sameIDs(t, h.world.granted, []int64{7})

	h.p.Receive(batch(0, 7, 9, 7, 11))
	sameIDs(t, h.world.granted, []int64{7, 9, 7, 11})
	if h.p.Applied() != 4 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
}

func TestPipeline_FailedGrantStillAdvances(t *testing.T) {
	h := newHarness(t, 0)
	h.world.fail[9] = errors.New("inventory full")
	h.open()
	h.p.Receive(batch(0, 9, 11))
	h.frames.flush()

	if h.p.Applied() != 2 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
	sameIDs(t, h.world.granted, []int64{11})
	if h.obs.delivered[0].Err == nil || h.obs.delivered[1].Err != nil {
		t.Fatalf("delivered errors: %+v", h.obs.delivered)
	}
	if !h.store.items[0].Failed {
		t.Fatalf("store should mark the failure")
	}
	if h.journal.entries[0].Kind != journal.KindFailed {
		t.Fatalf("journal: %+v", h.journal.entries)
	}
}

func TestPipeline_PlayerGoneWaitsForRespawn(t *testing.T) {
	h := newHarness(t, 0)
	h.world.fail[7] = gameworld.ErrNoPlayer
	h.open()
	h.p.Receive(batch(0, 7, 9))
	h.frames.flush()

	if h.p.Applied() != 0 || len(h.world.granted) != 0 || len(h.store.items) != 0 {
		t.Fatalf("cursor=%d granted=%v store=%+v", h.p.Applied(), h.world.granted, h.store.items)
	}
	if h.gate.Ready() || h.gate.Pending() != 2 {
		t.Fatalf("ready=%v pending=%d", h.gate.Ready(), h.gate.Pending())
	}
	if len(h.obs.delivered) != 0 || len(h.journal.entries) != 0 {
		t.Fatalf("deferred grant reported: %+v %+v", h.obs.delivered, h.journal.entries)
	}

	delete(h.world.fail, 7)
	h.gate.Set(gate.Player, true)
	sameIDs(t, h.world.granted, []int64{7, 9})
	if h.p.Applied() != 2 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
}

func TestPipeline_ReplayedUnknownItemNotLoggedAgain(t *testing.T) {
	h := newHarness(t, 0)
	h.open()
	h.p.Receive(batch(0, 424242, 9))
	if len(h.journal.entries) != 2 {
		t.Fatalf("journal: %+v", h.journal.entries)
	}

	h.p.ResetSession()
	h.p.Receive(batch(0, 424242, 9))
	if len(h.journal.entries) != 2 {
		t.Fatalf("replay journaled again: %+v", h.journal.entries)
	}
	sameIDs(t, h.world.granted, []int64{9})
}

func TestPipeline_DisconnectMidDrain(t *testing.T) {
	h := newHarness(t, 0)
	h.world.onGrant = func(def catalog.ItemDef) {
		if def.RemoteID == 7 {
			h.alive = false
			h.gate.Abandon()
		}
	}
	h.p.Receive(batch(0, 7, 9, 11))
	h.open()

	sameIDs(t, h.world.granted, []int64{7})
	if h.p.Applied() != 1 || h.gate.Pending() != 0 {
		t.Fatalf("cursor=%d pending=%d", h.p.Applied(), h.gate.Pending())
	}

	// Reconnect: the coordinator resends everything from index 0.
	h.world.onGrant = nil
	h.alive = true
	h.p.ResetSession()
	h.p.Receive(batch(0, 7, 9, 11))
	sameIDs(t, h.world.granted, []int64{7, 9, 11})
	if h.p.Applied() != 3 {
		t.Fatalf("cursor: %d", h.p.Applied())
	}
}

func TestPipeline_NotifySent(t *testing.T) {
	h := newHarness(t, 0)
	msg := protocol.PrintJSONPacket{
		Cmd:       protocol.CmdPrintJSON,
		Type:      protocol.PrintItemSend,
		Receiving: 2,
		Item:      &protocol.NetworkItem{Item: 77, Player: 1},
		Data:      []protocol.JSONMessagePart{{Text: "Ittle sent Hookshot to Bob"}},
	}
	h.p.NotifySent(msg)
	h.frames.flush()
	if len(h.obs.sent) != 0 {
		t.Fatalf("sent shown before the player exists")
	}
	h.open()
	h.frames.flush()
	if len(h.obs.sent) != 1 || h.obs.sent[0].Receiver != "Bob" {
		t.Fatalf("sent: %+v", h.obs.sent)
	}

	// Items we send ourselves arrive through ReceivedItems instead.
	self := msg
	self.Receiving = 1
	h.p.NotifySent(self)
	h.frames.flush()
	if len(h.obs.sent) != 1 {
		t.Fatalf("self send should not notify: %+v", h.obs.sent)
	}
}
