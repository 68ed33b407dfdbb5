// Package locations forwards local location triggers to the coordinator.
// Methods must be called from the event loop goroutine.
package locations

import (
	"log"
	"sort"

	"shufflelink.ai/internal/catalog"
	"shufflelink.ai/internal/persistence/journal"
)

type Reporter interface {
	ReportLocationChecked(ids ...int64) error
}

type Store interface {
	MarkReported(save string, ids ...int64) error
}

type Journal interface {
	Record(e journal.Entry) error
}

// Flags reads persisted location flags from the game.
type Flags interface {
	Flag(scene, key string) bool
}

type Config struct {
	Save     string
	Catalog  *catalog.Catalog
	Reporter Reporter
	Store    Store
	Journal  Journal
	Logger   *log.Logger
}

type Pipeline struct {
	cfg    Config
	logger *log.Logger

	reported map[int64]struct{}
}

func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger, reported: map[int64]struct{}{}}
}

// Checked reports the location behind a local trigger. A trigger with no
// catalog entry is logged and returned as a *catalog.LookupError; a location
// already reported this run is not sent again.
func (p *Pipeline) Checked(localKey, sceneScope string) error {
	loc, err := p.cfg.Catalog.LocationFor(localKey, sceneScope)
	if err != nil {
		p.logger.Printf("no location for trigger: %v", err)
		p.record(journal.Entry{Kind: journal.KindUnknownLoc, Text: sceneScope + "/" + localKey, Err: err.Error()})
		return err
	}
	if _, ok := p.reported[loc.RemoteID]; ok {
		return nil
	}
	return p.send(loc.RemoteID)
}

func (p *Pipeline) send(ids ...int64) error {
	if err := p.cfg.Reporter.ReportLocationChecked(ids...); err != nil {
		p.logger.Printf("report locations %v: %v", ids, err)
		return err
	}
	for _, id := range ids {
		p.reported[id] = struct{}{}
		p.record(journal.Entry{Kind: journal.KindReported, LocationID: id})
	}
	if p.cfg.Store != nil {
		if err := p.cfg.Store.MarkReported(p.cfg.Save, ids...); err != nil {
			p.logger.Printf("persist reported locations: %v", err)
		}
	}
	return nil
}

// SeedReported primes the set with locations the coordinator already knows.
func (p *Pipeline) SeedReported(ids []int64) {
	for _, id := range ids {
		p.reported[id] = struct{}{}
	}
}

func (p *Pipeline) Reported(id int64) bool {
	_, ok := p.reported[id]
	return ok
}

// ScanFlags reports, in one message, every catalog location whose save flag
// is set but which has not been reported yet. It returns how many were sent.
func (p *Pipeline) ScanFlags(f Flags) (int, error) {
	var ids []int64
	for _, loc := range p.cfg.Catalog.Locations() {
		if _, ok := p.reported[loc.RemoteID]; ok {
			continue
		}
		if f.Flag(loc.SceneScope, loc.LocalKey) {
			ids = append(ids, loc.RemoteID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if err := p.send(ids...); err != nil {
		return 0, err
	}
	p.logger.Printf("caught up %d checked locations", len(ids))
	return len(ids), nil
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
