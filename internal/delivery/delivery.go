// Package delivery applies received items to the local player exactly once
// and in coordinator order.
//
// All methods must be called from the event loop goroutine.
package delivery

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"shufflelink.ai/internal/catalog"
	"shufflelink.ai/internal/gameworld"
	"shufflelink.ai/internal/gate"
	"shufflelink.ai/internal/persistence/journal"
	"shufflelink.ai/internal/persistence/store"
	"shufflelink.ai/internal/protocol"
)

// Event is one entry of the coordinator's received-items list. Seq is its
// 1-based position in that list.
type Event struct {
	Seq      int
	ItemID   int64
	ItemName string
	From     string
	FromSelf bool
	Location int64
}

// Delivered is emitted once per applied event, on the frame after the effect.
// Err is set when the local effect failed; the cursor moved past it anyway.
type Delivered struct {
	Event
	Item catalog.ItemDef
	Err  error
}

// Sent is an item this player found for someone else.
type Sent struct {
	ItemID   int64
	Receiver string
	Text     string
}

type Observer interface {
	Delivered(d Delivered)
}

// SentObserver is optionally implemented by observers that also want Sent.
type SentObserver interface {
	Sent(s Sent)
}

type Granter interface {
	GrantItem(def catalog.ItemDef) error
}

type Store interface {
	RecordApplied(save string, it store.AppliedItem) error
}

type Journal interface {
	Record(e journal.Entry) error
}

type Syncer interface {
	RequestSync() error
}

type Frames interface {
	AfterFrame(fn func())
}

type Config struct {
	Save    string
	Catalog *catalog.Catalog
	Gate    *gate.Gate
	Frames  Frames
	World   Granter
	Store   Store
	Journal Journal
	Sync    Syncer
	Logger  *log.Logger
}

type Pipeline struct {
	cfg    Config
	logger *log.Logger

	applied int
	seen    int

	self      int
	playerFor func(slot int) string

	observers []Observer
}

// New starts the pipeline at cursor, the durable count of applied items.
func New(cfg Config, cursor int) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger, applied: cursor}
}

func (p *Pipeline) Subscribe(o Observer) {
	for _, cur := range p.observers {
		if cur == o {
			return
		}
	}
	p.observers = append(p.observers, o)
}

// Applied is the cursor: the sequence of the last applied item.
func (p *Pipeline) Applied() int { return p.applied }

// SetSelf identifies our slot and how to name other players.
func (p *Pipeline) SetSelf(slot int, playerFor func(slot int) string) {
	p.self = slot
	p.playerFor = playerFor
}

// ResetSession forgets which sequences this connection has already queued.
// The next batch is expected to start from index 0.
func (p *Pipeline) ResetSession() {
	p.seen = 0
}

func (p *Pipeline) playerName(slot int) string {
	if p.playerFor == nil {
		return ""
	}
	return p.playerFor(slot)
}

// Receive accepts one ReceivedItems batch. A batch that starts past what this
// connection has seen means we missed items: ask for a full resend and drop
// the batch.
func (p *Pipeline) Receive(batch protocol.ReceivedItemsPacket) {
	if batch.Index > p.seen {
		p.logger.Printf("received items gap: index=%d seen=%d; requesting sync", batch.Index, p.seen)
		if p.cfg.Sync != nil {
			if err := p.cfg.Sync.RequestSync(); err != nil {
				p.logger.Printf("request sync: %v", err)
			}
		}
		return
	}
	for i, it := range batch.Items {
		seq := batch.Index + i + 1
		if seq <= p.seen {
			continue
		}
		p.seen = seq
		p.Deliver(Event{
			Seq:      seq,
			ItemID:   it.Item,
			From:     p.playerName(it.Player),
			FromSelf: p.self != 0 && it.Player == p.self,
			Location: it.Location,
		})
	}
}

// Deliver resolves ev and hands it to the readiness gate. Unknown items are
// dropped here and never touch the cursor.
func (p *Pipeline) Deliver(ev Event) {
	if ev.Seq <= p.applied {
		return
	}
	def, err := p.cfg.Catalog.Item(ev.ItemID)
	if err != nil {
		p.logger.Printf("discarding item seq=%d: %v", ev.Seq, err)
		p.record(journal.Entry{Kind: journal.KindDiscarded, Seq: ev.Seq, ItemID: ev.ItemID, Player: ev.From, Err: err.Error()})
		return
	}
	ev.ItemName = def.Name
	p.cfg.Gate.Submit(func() { p.apply(ev, def) })
}

func (p *Pipeline) apply(ev Event, def catalog.ItemDef) {
	if ev.Seq <= p.applied {
		return
	}

	_, span := otel.Tracer("shufflelink.ai/internal/delivery").Start(context.Background(), "delivery.apply")
	span.SetAttributes(
		attribute.Int("delivery.seq", ev.Seq),
		attribute.Int64("delivery.item_id", ev.ItemID),
		attribute.String("delivery.item", def.Name),
	)
	grantErr := p.cfg.World.GrantItem(def)
	if grantErr != nil {
		span.RecordError(grantErr)
		span.SetStatus(codes.Error, grantErr.Error())
	}
	span.End()

	// The player left before the despawn event reached the gate. Wait for
	// the next spawn without moving the cursor.
	if errors.Is(grantErr, gameworld.ErrNoPlayer) {
		p.logger.Printf("grant %s (seq=%d) deferred: %v", def.Name, ev.Seq, grantErr)
		p.cfg.Gate.Set(gate.Player, false)
		p.cfg.Gate.Requeue(func() { p.apply(ev, def) })
		return
	}

	p.applied = ev.Seq

	if p.cfg.Store != nil {
		err := p.cfg.Store.RecordApplied(p.cfg.Save, store.AppliedItem{
			Seq:          ev.Seq,
			ItemID:       ev.ItemID,
			ItemName:     def.Name,
			OriginPlayer: ev.From,
			Failed:       grantErr != nil,
			AppliedAt:    time.Now(),
		})
		if err != nil {
			p.logger.Printf("persist cursor seq=%d: %v", ev.Seq, err)
		}
	}

	entry := journal.Entry{Kind: journal.KindDelivered, Seq: ev.Seq, ItemID: ev.ItemID, Item: def.Name, Player: ev.From}
	if grantErr != nil {
		p.logger.Printf("grant %s (seq=%d) failed: %v", def.Name, ev.Seq, grantErr)
		entry.Kind = journal.KindFailed
		entry.Err = grantErr.Error()
	}
	p.record(entry)

	d := Delivered{Event: ev, Item: def, Err: grantErr}
	p.cfg.Frames.AfterFrame(func() {
		for _, o := range p.observers {
			o.Delivered(d)
		}
	})
}

// NotifySent announces an item we sent once the player can see it.
func (p *Pipeline) NotifySent(msg protocol.PrintJSONPacket) {
	if msg.Type != protocol.PrintItemSend || msg.Item == nil {
		return
	}
	if p.self == 0 || msg.Item.Player != p.self || msg.Receiving == p.self {
		return
	}
	s := Sent{ItemID: msg.Item.Item, Receiver: p.playerName(msg.Receiving), Text: msg.Text()}
	p.record(journal.Entry{Kind: journal.KindSent, ItemID: s.ItemID, Player: s.Receiver, Text: s.Text})
	p.cfg.Gate.Submit(func() {
		p.cfg.Frames.AfterFrame(func() {
			for _, o := range p.observers {
				if so, ok := o.(SentObserver); ok {
					so.Sent(s)
				}
			}
		})
	})
}

func (p *Pipeline) record(e journal.Entry) {
	if p.cfg.Journal == nil {
		return
	}
	e.Save = p.cfg.Save
	if err := p.cfg.Journal.Record(e); err != nil {
		p.logger.Printf("journal: %v", err)
	}
}
