// Package gate defers actions until a set of readiness conditions all hold.
//
// A Gate is owned by the event loop goroutine and is not safe for concurrent
// use.
package gate

type Condition string

const (
	Player  Condition = "player"
	Items   Condition = "items"
	Session Condition = "session"
)

type Gate struct {
	required []Condition
	state    map[Condition]bool

	queue    []func()
	draining bool
	epoch    uint64

	// guard is consulted before every queued action; false stops the drain.
	guard func() bool
}

// New creates a gate that is ready once every cond has been Set true.
func New(conds ...Condition) *Gate {
	if len(conds) == 0 {
		conds = []Condition{Player, Items, Session}
	}
	return &Gate{
		required: append([]Condition(nil), conds...),
		state:    make(map[Condition]bool, len(conds)),
	}
}

// SetGuard installs a liveness check, typically "session still connected".
func (g *Gate) SetGuard(fn func() bool) { g.guard = fn }

func (g *Gate) Set(c Condition, v bool) {
	g.state[c] = v
	if v {
		g.drain()
	}
}

func (g *Gate) Ready() bool {
	for _, c := range g.required {
		if !g.state[c] {
			return false
		}
	}
	return true
}

func (g *Gate) live() bool {
	return g.guard == nil || g.guard()
}

// Submit runs fn now when the gate is open and nothing is queued ahead of it.
// Otherwise fn waits its turn in arrival order.
func (g *Gate) Submit(fn func()) {
	if fn == nil {
		return
	}
	if g.Ready() && !g.draining && len(g.queue) == 0 && g.live() {
		fn()
		return
	}
	g.queue = append(g.queue, fn)
	g.drain()
}

// Requeue puts fn back at the head of the queue. A queued action that found
// the world not ready calls this after clearing the condition that failed.
func (g *Gate) Requeue(fn func()) {
	if fn == nil {
		return
	}
	g.queue = append([]func(){fn}, g.queue...)
}

func (g *Gate) drain() {
	if g.draining {
		return
	}
	g.draining = true
	defer func() { g.draining = false }()

	epoch := g.epoch
	for len(g.queue) > 0 {
		if g.epoch != epoch || !g.Ready() || !g.live() {
			return
		}
		fn := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		fn()
	}
}

// Pending is the number of queued actions.
func (g *Gate) Pending() int { return len(g.queue) }

func (g *Gate) Epoch() uint64 { return g.epoch }

// Abandon drops every queued action and stops an in-progress drain. It returns
// how many actions were discarded.
func (g *Gate) Abandon() int {
	n := len(g.queue)
	g.queue = nil
	g.epoch++
	return n
}
