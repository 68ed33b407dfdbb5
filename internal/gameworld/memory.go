package gameworld

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"shufflelink.ai/internal/catalog"
)

var ErrNoPlayer = errors.New("no player")

// Memory is a World backed by maps. Driver methods (Spawn, LoadScene, Die,
// SetLocationFlag, MarkItemsReady) update state and then raise the matching
// event.
type Memory struct {
	mu sync.Mutex
	// evMu orders event delivery across goroutines.
	evMu sync.Mutex

	events Events
	later  []func(Events)

	scene     string
	spawned   bool
	inventory map[string]int
	vars      map[string]int
	savers    map[string]map[string]int
	granted   []string
	grantErr  map[string]error

	endingUnlocked int
	deaths         int
	saves          int
	menuReturns    int
}

func NewMemory() *Memory {
	return &Memory{
		inventory: map[string]int{},
		vars:      map[string]int{},
		savers:    map[string]map[string]int{},
		grantErr:  map[string]error{},
	}
}

// Bind sets the receiver of game events.
func (m *Memory) Bind(ev Events) {
	m.mu.Lock()
	m.events = ev
	m.mu.Unlock()
}

func (m *Memory) sink() Events {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// emit raises events on the caller's goroutine, after any deferred ones.
func (m *Memory) emit(fn func(Events)) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	m.flushLocked()
	if ev := m.sink(); ev != nil {
		fn(ev)
	}
}

// emitLater raises events from another goroutine. World calls made by the
// sync core use it, since the core's event handlers post back to its loop.
func (m *Memory) emitLater(fn func(Events)) {
	m.mu.Lock()
	m.later = append(m.later, fn)
	m.mu.Unlock()
	go func() {
		m.evMu.Lock()
		defer m.evMu.Unlock()
		m.flushLocked()
	}()
}

func (m *Memory) flushLocked() {
	m.mu.Lock()
	later := m.later
	m.later = nil
	m.mu.Unlock()
	ev := m.sink()
	if ev == nil {
		return
	}
	for _, fn := range later {
		fn(ev)
	}
}

func (m *Memory) GrantItem(def catalog.ItemDef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.spawned {
		return ErrNoPlayer
	}
	if err := m.grantErr[def.Name]; err != nil {
		return err
	}
	switch def.Kind {
	case catalog.KindCounter:
		m.vars[def.Var] += def.Amount
	case catalog.KindFlag:
		m.setSaverLocked(def.Saver, def.Key, 1)
	default:
		m.inventory[def.Name]++
	}
	m.granted = append(m.granted, def.Name)
	return nil
}

func (m *Memory) StateVar(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vars[name]
}

func (m *Memory) SetStateVar(name string, v int) {
	m.mu.Lock()
	m.vars[name] = v
	m.mu.Unlock()
}

func (m *Memory) SaverKeys(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.savers[path]))
	for k := range m.savers[path] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) SaverVar(path, key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.savers[path][key]
	return v, ok
}

func (m *Memory) SetSaverVar(path, key string, value int) {
	m.mu.Lock()
	m.setSaverLocked(path, key, value)
	m.mu.Unlock()
}

func (m *Memory) setSaverLocked(path, key string, value int) {
	s := m.savers[path]
	if s == nil {
		s = map[string]int{}
		m.savers[path] = s
	}
	s[key] = value
}

func (m *Memory) Flag(scene, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scene != "" {
		return m.savers[LevelSaver(scene)][key] != 0
	}
	for path, s := range m.savers {
		if strings.HasPrefix(path, LevelSaver("")) && s[key] != 0 {
			return true
		}
	}
	return false
}

func (m *Memory) Scene() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scene
}

func (m *Memory) UnlockEnding() error {
	m.mu.Lock()
	m.endingUnlocked++
	m.mu.Unlock()
	return nil
}

// KillPlayer kills the spawned player. The game reports the death like any
// other, after KillPlayer has returned.
func (m *Memory) KillPlayer(cause string) error {
	m.mu.Lock()
	if !m.spawned {
		m.mu.Unlock()
		return ErrNoPlayer
	}
	m.spawned = false
	m.deaths++
	m.mu.Unlock()
	m.emitLater(func(ev Events) {
		ev.PlayerDied(cause)
		ev.PlayerDespawned()
	})
	return nil
}

func (m *Memory) SaveAll() error {
	m.mu.Lock()
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReturnToMenu() error {
	m.mu.Lock()
	m.spawned = false
	m.scene = "MainMenu"
	m.menuReturns++
	m.mu.Unlock()
	return nil
}

// FailGrant makes every grant of the named item fail with err. A nil err
// clears it.
func (m *Memory) FailGrant(name string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.grantErr, name)
	} else {
		m.grantErr[name] = err
	}
	m.mu.Unlock()
}

// Driver side.

func (m *Memory) LoadScene(scene string) {
	m.mu.Lock()
	m.scene = scene
	m.spawned = false
	m.mu.Unlock()
	m.emit(func(ev Events) {
		ev.PlayerDespawned()
		ev.SceneLoaded(scene)
	})
}

func (m *Memory) Spawn() {
	m.mu.Lock()
	m.spawned = true
	scene := m.scene
	m.mu.Unlock()
	m.emit(func(ev Events) { ev.PlayerSpawned(scene) })
}

func (m *Memory) MarkItemsReady() {
	m.emit(func(ev Events) { ev.ItemsReady() })
}

// Die is a death caused by play.
func (m *Memory) Die(cause string) {
	m.mu.Lock()
	alive := m.spawned
	m.spawned = false
	if alive {
		m.deaths++
	}
	m.mu.Unlock()
	if !alive {
		return
	}
	m.emit(func(ev Events) {
		ev.PlayerDied(cause)
		ev.PlayerDespawned()
	})
}

// SetLocationFlag sets key in the current scene's saver and reports it.
func (m *Memory) SetLocationFlag(key string) {
	m.mu.Lock()
	scene := m.scene
	m.setSaverLocked(LevelSaver(scene), key, 1)
	m.mu.Unlock()
	m.emit(func(ev Events) { ev.LocationFlagSet(scene, key) })
}

// Inspection.

func (m *Memory) Spawned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawned
}

func (m *Memory) Inventory(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory[name]
}

// Granted lists item names in grant order.
func (m *Memory) Granted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.granted...)
}

func (m *Memory) EndingUnlocked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endingUnlocked
}

func (m *Memory) Deaths() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deaths
}

func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) MenuReturns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.menuReturns
}

func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("scene=%s spawned=%v items=%d vars=%v", m.scene, m.spawned, len(m.granted), m.vars)
}
