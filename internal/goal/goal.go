// Package goal detects the player's win condition and reports it.
// Methods must be called from the event loop goroutine.
package goal

import (
	"fmt"
	"log"

	"shufflelink.ai/internal/delivery"
	"shufflelink.ai/internal/persistence/journal"
)

type Kind string

const (
	RaftQuest        Kind = "raft_quest"
	QueenOfAdventure Kind = "queen_of_adventure"
	QueenOfDreams    Kind = "queen_of_dreams"
)

// EndingScene satisfies every goal once loaded.
const EndingScene = "Outro"

const (
	raftVar       = "raft"
	raftPieces    = 8
	lootVar       = "loot"
	dreamSaver    = "/local/dream"
	dreamsToClear = 5
)

// KindFromSlotData reads the "goal" option. Missing means RaftQuest.
func KindFromSlotData(data map[string]any) (Kind, error) {
	v, ok := data["goal"]
	if !ok || v == nil {
		return RaftQuest, nil
	}
	switch g := v.(type) {
	case float64:
		return kindFromIndex(int(g))
	case int:
		return kindFromIndex(g)
	case string:
		return ParseKind(g)
	default:
		return "", fmt.Errorf("goal: unexpected %T", v)
	}
}

func kindFromIndex(i int) (Kind, error) {
	switch i {
	case 0:
		return RaftQuest, nil
	case 1:
		return QueenOfAdventure, nil
	case 2:
		return QueenOfDreams, nil
	}
	return "", fmt.Errorf("goal: unknown index %d", i)
}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case RaftQuest, QueenOfAdventure, QueenOfDreams:
		return k, nil
	}
	return "", fmt.Errorf("goal: unknown kind %q", s)
}

type World interface {
	StateVar(name string) int
	SaverKeys(path string) []string
	UnlockEnding() error
}

type Reporter interface {
	ReportGoalComplete() error
}

type Store interface {
	CompleteGoal(save, kind string) error
}

type Journal interface {
	Record(e journal.Entry) error
}

type Config struct {
	Save     string
	Kind     Kind
	World    World
	Reporter Reporter
	Store    Store
	Journal  Journal
	Logger   *log.Logger
}

type Observer struct {
	cfg    Config
	logger *log.Logger

	completed bool
	unlocked  bool
	// reported is per connection; the session keeps its own once-guard too.
	reported bool
}

// New starts the observer; completed is the persisted goal state.
func New(cfg Config, completed bool) *Observer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Kind == "" {
		cfg.Kind = RaftQuest
	}
	return &Observer{cfg: cfg, logger: logger, completed: completed, unlocked: completed}
}

func (o *Observer) Kind() Kind      { return o.cfg.Kind }
func (o *Observer) Completed() bool { return o.completed }

// SetKind switches the goal once slot data names it. Completion is kept.
func (o *Observer) SetKind(k Kind) {
	if k != "" {
		o.cfg.Kind = k
	}
}

// Satisfied evaluates the goal predicate against the world right now.
func (o *Observer) Satisfied() bool {
	w := o.cfg.World
	switch o.cfg.Kind {
	case RaftQuest:
		return w.StateVar(raftVar) >= raftPieces
	case QueenOfAdventure:
		return w.StateVar(lootVar) > 0
	case QueenOfDreams:
		return len(w.SaverKeys(dreamSaver)) >= dreamsToClear
	}
	return false
}

// Evaluate completes the goal the first time its predicate holds and retries
// a report that has not gone out on this connection.
func (o *Observer) Evaluate() {
	if !o.completed && o.Satisfied() {
		o.complete("predicate")
	}
	o.report()
}

func (o *Observer) Delivered(d delivery.Delivered) { o.Evaluate() }

func (o *Observer) PlayerSpawned(scene string) { o.Evaluate() }

func (o *Observer) SceneLoaded(scene string) {
	if scene == EndingScene && !o.completed {
		o.complete("ending scene")
	}
	o.Evaluate()
}

// SessionStarted re-sends a completion that happened before this
// connection, in case the earlier report was lost.
func (o *Observer) SessionStarted() {
	o.reported = false
	o.report()
}

func (o *Observer) complete(why string) {
	o.completed = true
	o.logger.Printf("goal %s complete (%s)", o.cfg.Kind, why)
	if o.cfg.Store != nil {
		if err := o.cfg.Store.CompleteGoal(o.cfg.Save, string(o.cfg.Kind)); err != nil {
			o.logger.Printf("persist goal: %v", err)
		}
	}
	if o.cfg.Journal != nil {
		if err := o.cfg.Journal.Record(journal.Entry{Kind: journal.KindGoal, Save: o.cfg.Save, Text: string(o.cfg.Kind)}); err != nil {
			o.logger.Printf("journal: %v", err)
		}
	}
	if !o.unlocked {
		o.unlocked = true
		if err := o.cfg.World.UnlockEnding(); err != nil {
			o.logger.Printf("unlock ending: %v", err)
		}
	}
}

func (o *Observer) report() {
	if !o.completed || o.reported || o.cfg.Reporter == nil {
		return
	}
	if err := o.cfg.Reporter.ReportGoalComplete(); err != nil {
		o.logger.Printf("report goal: %v", err)
		return
	}
	o.reported = true
}
