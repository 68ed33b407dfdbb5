// Package deathlink shares player deaths with other DeathLink clients.
// Methods must be called from the event loop goroutine.
package deathlink

import (
	"fmt"
	"log"
	"time"

	"shufflelink.ai/internal/gate"
	"shufflelink.ai/internal/persistence/journal"
	"shufflelink.ai/internal/protocol"
)

type Killer interface {
	KillPlayer(cause string) error
}

type Bouncer interface {
	Bounce(tags []string, data map[string]any) error
}

type Journal interface {
	Record(e journal.Entry) error
}

type Config struct {
	Source  string
	World   Killer
	Bouncer Bouncer
	Gate    *gate.Gate
	Journal Journal
	Logger  *log.Logger
	Now     func() time.Time
}

type Observer struct {
	cfg    Config
	logger *log.Logger

	lastSent float64
	// pendingOwn counts deaths we caused; those are not sent back out.
	pendingOwn int
}

func New(cfg Config) *Observer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Observer{cfg: cfg, logger: logger}
}

func (o *Observer) SetSource(name string) { o.cfg.Source = name }

// Bounced kills the local player for a death elsewhere. Our own echo is
// ignored.
func (o *Observer) Bounced(p protocol.BouncedPacket) {
	if !p.HasTag(protocol.TagDeathLink) {
		return
	}
	source, _ := p.Data["source"].(string)
	at, _ := p.Data["time"].(float64)
	if source == o.cfg.Source && at == o.lastSent {
		return
	}
	cause, _ := p.Data["cause"].(string)
	if cause == "" {
		cause = fmt.Sprintf("%s died.", source)
	}
	o.record(journal.Entry{Kind: journal.KindDeathLink, Player: source, Text: cause})
	o.cfg.Gate.Submit(func() {
		o.pendingOwn++
		if err := o.cfg.World.KillPlayer(cause); err != nil {
			o.pendingOwn--
			o.logger.Printf("deathlink kill: %v", err)
		}
	})
}

// PlayerDied forwards a death caused by play.
func (o *Observer) PlayerDied(cause string) {
	if o.pendingOwn > 0 {
		o.pendingOwn--
		return
	}
	now := float64(o.cfg.Now().UnixNano()) / 1e9
	data := map[string]any{
		"time":   now,
		"source": o.cfg.Source,
	}
	if cause != "" {
		data["cause"] = fmt.Sprintf("%s died: %s", o.cfg.Source, cause)
	}
	if err := o.cfg.Bouncer.Bounce([]string{protocol.TagDeathLink}, data); err != nil {
		o.logger.Printf("deathlink bounce: %v", err)
		return
	}
	o.lastSent = now
}

func (o *Observer) record(e journal.Entry) {
	if o.cfg.Journal == nil {
		return
	}
	if err := o.cfg.Journal.Record(e); err != nil {
		o.logger.Printf("journal: %v", err)
	}
}
