// Package client wires the sync core together around one event loop.
//
// Open builds the components in dependency order: catalog, progress store,
// session, readiness gate, delivery, location reports, goal, death link.
// Close releases them in reverse.
//
// A Client is both the session's Subscriber and the game's Events sink. Both
// sides only post work to the loop; the components themselves are never
// touched from another goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"shufflelink.ai/internal/catalog"
	"shufflelink.ai/internal/config"
	"shufflelink.ai/internal/console"
	"shufflelink.ai/internal/deathlink"
	"shufflelink.ai/internal/delivery"
	"shufflelink.ai/internal/flagset"
	"shufflelink.ai/internal/gameworld"
	"shufflelink.ai/internal/gate"
	"shufflelink.ai/internal/goal"
	"shufflelink.ai/internal/locations"
	"shufflelink.ai/internal/loop"
	"shufflelink.ai/internal/persistence/journal"
	"shufflelink.ai/internal/persistence/store"
	"shufflelink.ai/internal/protocol"
	"shufflelink.ai/internal/session"
)

const Game = "Ittle Dew 2"

type Options struct {
	Config config.Config
	World  gameworld.World
	// Console defaults to stdout.
	Console *console.Sink
	Logger  *log.Logger
}

type Client struct {
	cfg     config.Config
	logger  *log.Logger
	world   gameworld.World
	console *console.Sink

	store    *store.Store
	journal  *journal.Writer
	profiles *session.Profiles
	flagsets *flagset.File

	loop      *loop.Loop
	loopDone  chan struct{}
	sess      *session.Session
	gate      *gate.Gate
	delivery  *delivery.Pipeline
	locations *locations.Pipeline
	goal      *goal.Observer
	deathlink *deathlink.Observer

	// gen tags work posted by the session; a disconnect bumps it so late
	// callbacks from the old connection are ignored on the loop.
	gen atomic.Uint64

	connMu sync.Mutex

	// Loop-owned.
	online    bool
	deathLink bool

	closeOnce sync.Once
}

// Status is a snapshot for display.
type Status struct {
	Session   session.State
	Cursor    int
	Pending   int
	Ready     bool
	GoalKind  goal.Kind
	GoalDone  bool
	DeathLink bool
}

func Open(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.World == nil {
		return nil, errors.New("client: nil world")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)
	}
	sink := opts.Console
	if sink == nil {
		sink = console.New(os.Stdout)
	}

	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Printf("catalog: locations=%d items=%d digest=%s/%s",
		len(cat.Locations()), cat.NumItems(), short(cat.LocationsDigest), short(cat.ItemsDigest))

	var sets *flagset.File
	if cfg.FlagsetsPath != "" {
		sets, err = flagset.Load(cfg.FlagsetsPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Printf("no flagsets at %s; new files get no setup", cfg.FlagsetsPath)
		case err != nil:
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cursor, err := st.Cursor(cfg.Save)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	g, err := st.Goal(cfg.Save)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	profiles, err := session.OpenProfiles(cfg.ProfilesPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		world:     opts.World,
		console:   sink,
		store:     st,
		journal:   journal.New(cfg.JournalDir, "client"),
		profiles:  profiles,
		flagsets:  sets,
		loop:      loop.New(0),
		loopDone:  make(chan struct{}),
		deathLink: cfg.DeathLink,
	}

	c.sess = session.New(session.Config{
		Game:             Game,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		Logger:           logger,
	})
	if c.deathLink {
		c.sess.SetTags(protocol.TagDeathLink)
	}

	c.gate = gate.New(gate.Player, gate.Items, gate.Session)
	c.gate.SetGuard(c.sess.Connected)

	c.delivery = delivery.New(delivery.Config{
		Save:    cfg.Save,
		Catalog: cat,
		Gate:    c.gate,
		Frames:  c.loop,
		World:   c.world,
		Store:   st,
		Journal: c.journal,
		Sync:    c.sess,
		Logger:  logger,
	}, cursor)

	c.locations = locations.New(locations.Config{
		Save:     cfg.Save,
		Catalog:  cat,
		Reporter: c.sess,
		Store:    st,
		Journal:  c.journal,
		Logger:   logger,
	})

	kind := goal.RaftQuest
	if g.Kind != "" {
		if k, err := goal.ParseKind(g.Kind); err == nil {
			kind = k
		}
	}
	c.goal = goal.New(goal.Config{
		Save:     cfg.Save,
		Kind:     kind,
		World:    c.world,
		Reporter: c.sess,
		Store:    st,
		Journal:  c.journal,
		Logger:   logger,
	}, g.Completed)

	c.deathlink = deathlink.New(deathlink.Config{
		World:   c.world,
		Bouncer: c.sess,
		Gate:    c.gate,
		Journal: c.journal,
		Logger:  logger,
	})

	c.delivery.Subscribe(sink)
	c.delivery.Subscribe(c.goal)

	if b, ok := c.world.(interface{ Bind(gameworld.Events) }); ok {
		b.Bind(c)
	}

	go func() {
		defer close(c.loopDone)
		_ = c.loop.Run(context.Background())
	}()

	logger.Printf("opened save=%s cursor=%d goal=%s completed=%v", cfg.Save, cursor, kind, g.Completed)
	return c, nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// Connect authenticates against server and starts accepting items for the
// configured save. A save already bound to another seed is refused.
func (c *Client) Connect(ctx context.Context, server, slot, password string) (session.Info, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.sess.Connected() {
		// Drop the subscription left by a lost connection so the new
		// connection's first packets wait for onConnected.
		var dropErr error
		if msg := c.sess.State().LastError; msg != "" {
			dropErr = errors.New(msg)
		}
		c.sess.Disconnect()
		// The drop's own callback may still be queued behind us; the
		// generation bump below would discard it.
		if err := c.loop.Do(ctx, func() { c.lost(dropErr) }); err != nil {
			return session.Info{}, err
		}
	}
	info, err := c.sess.Connect(ctx, server, slot, password)
	if err != nil {
		return session.Info{}, err
	}
	if err := c.store.BindSave(c.cfg.Save, info.SeedName, info.Slot); err != nil {
		c.sess.Disconnect()
		return session.Info{}, err
	}

	gen := c.gen.Add(1)
	if err := c.loop.Do(ctx, func() { c.onConnected(gen, info) }); err != nil {
		c.sess.Disconnect()
		return session.Info{}, err
	}
	// Inbound traffic has been held by the session until now.
	c.sess.Subscribe(c)

	if err := c.profiles.Put(c.cfg.Save, session.Profile{
		Server:    server,
		Slot:      slot,
		Password:  password,
		DeathLink: c.cfg.DeathLink,
	}); err != nil {
		c.logger.Printf("save profile: %v", err)
	}
	if err := c.profiles.MarkConnected(c.cfg.Save, time.Now()); err != nil {
		c.logger.Printf("save profile: %v", err)
	}
	return info, nil
}

func (c *Client) onConnected(gen uint64, info session.Info) {
	if c.gen.Load() != gen {
		return
	}
	c.online = true

	if k, err := goal.KindFromSlotData(info.SlotData); err != nil {
		c.logger.Printf("slot data: %v", err)
	} else {
		c.goal.SetKind(k)
	}

	c.setupNewFile(info.SlotData)

	c.delivery.ResetSession()
	c.delivery.SetSelf(info.SlotID, info.PlayerName)
	c.deathlink.SetSource(info.Slot)
	c.locations.SeedReported(info.CheckedLocations)

	c.gate.Set(gate.Session, true)

	if n, err := c.locations.ScanFlags(c.world); err != nil {
		c.logger.Printf("location catch-up: %v", err)
	} else if n > 0 {
		c.logger.Printf("reported %d locations checked while offline", n)
	}
	c.goal.SessionStarted()
	c.goal.Evaluate()
}

func (c *Client) setupNewFile(slotData map[string]any) {
	if c.flagsets == nil {
		return
	}
	fresh, err := c.store.MarkSetup(c.cfg.Save)
	if err != nil {
		c.logger.Printf("new file setup: %v", err)
		return
	}
	if !fresh {
		return
	}
	applied, written := c.flagsets.Apply(c.world, slotData)
	c.logger.Printf("new file setup: sets=%v flags=%d", applied, written)
}

// Disconnect ends the session on request. Queued deliveries are dropped; they
// come back on the next connection's full resend.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	c.sess.Disconnect()
	c.connMu.Unlock()

	c.gen.Add(1)
	return c.loop.Do(ctx, c.goOffline)
}

func (c *Client) goOffline() {
	c.online = false
	c.gate.Set(gate.Session, false)
	if n := c.gate.Abandon(); n > 0 {
		c.logger.Printf("dropped %d queued actions", n)
	}
}

// lost runs on the loop when the coordinator went away.
func (c *Client) lost(err error) {
	if !c.online {
		return
	}
	c.gen.Add(1)
	c.goOffline()
	c.gate.Set(gate.Player, false)

	c.logger.Printf("lost connection: %v", err)
	c.console.Notice(console.DisconnectedNotice)
	c.record(journal.Entry{Kind: journal.KindDisconnect, Err: errString(err)})
	c.loop.AfterFrame(func() {
		if err := c.world.SaveAll(); err != nil {
			c.logger.Printf("save after disconnect: %v", err)
		}
		if err := c.world.ReturnToMenu(); err != nil {
			c.logger.Printf("return to menu: %v", err)
		}
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// post runs fn on the loop unless the connection that produced it is gone.
func (c *Client) post(fn func()) {
	gen := c.gen.Load()
	c.loop.Post(func() {
		if c.gen.Load() != gen {
			return
		}
		fn()
	})
}

// Session callbacks.

func (c *Client) ItemsReceived(p protocol.ReceivedItemsPacket) {
	c.post(func() { c.delivery.Receive(p) })
}

func (c *Client) MessageReceived(p protocol.PrintJSONPacket) {
	c.post(func() {
		if p.Type == protocol.PrintItemSend {
			c.delivery.NotifySent(p)
			return
		}
		text := p.Text()
		if text == "" {
			return
		}
		c.console.Message(text)
		c.record(journal.Entry{Kind: journal.KindMessage, Text: text})
	})
}

func (c *Client) Bounced(p protocol.BouncedPacket) {
	c.post(func() {
		if c.deathLink {
			c.deathlink.Bounced(p)
		}
	})
}

func (c *Client) Disconnected(err error) {
	c.post(func() { c.lost(err) })
}

// Game events.

func (c *Client) PlayerSpawned(scene string) {
	c.loop.Post(func() {
		c.gate.Set(gate.Player, true)
		c.goal.PlayerSpawned(scene)
	})
}

func (c *Client) PlayerDespawned() {
	c.loop.Post(func() { c.gate.Set(gate.Player, false) })
}

func (c *Client) SceneLoaded(scene string) {
	c.loop.Post(func() { c.goal.SceneLoaded(scene) })
}

func (c *Client) ItemsReady() {
	c.loop.Post(func() { c.gate.Set(gate.Items, true) })
}

func (c *Client) PlayerDied(cause string) {
	c.loop.Post(func() {
		if c.online && c.deathLink {
			c.deathlink.PlayerDied(cause)
		}
	})
}

// LocationFlagSet reports a check made while connected. Checks made offline
// are picked up by the flag scan on the next connect.
func (c *Client) LocationFlagSet(scene, key string) {
	c.loop.Post(func() {
		if !c.online {
			return
		}
		_ = c.locations.Checked(key, scene)
	})
}

// Status reads component state on the loop.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.loop.Do(ctx, func() {
		st = Status{
			Cursor:    c.delivery.Applied(),
			Pending:   c.gate.Pending(),
			Ready:     c.gate.Ready(),
			GoalKind:  c.goal.Kind(),
			GoalDone:  c.goal.Completed(),
			DeathLink: c.deathLink,
		}
	})
	st.Session = c.sess.State()
	return st, err
}

// Do runs fn on the event loop and waits for it.
func (c *Client) Do(ctx context.Context, fn func()) error {
	return c.loop.Do(ctx, fn)
}

func (c *Client) record(e journal.Entry) {
	e.Save = c.cfg.Save
	if err := c.journal.Record(e); err != nil {
		c.logger.Printf("journal: %v", err)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sess.Close()
		c.loop.Stop()
		<-c.loopDone
		if b, ok := c.world.(interface{ Bind(gameworld.Events) }); ok {
			b.Bind(nil)
		}
		err = errors.Join(c.journal.Close(), c.store.Close())
	})
	return err
}
