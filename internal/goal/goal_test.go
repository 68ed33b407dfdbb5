package goal

import (
	"errors"
	"io"
	"log"
	"testing"

	"shufflelink.ai/internal/delivery"
	"shufflelink.ai/internal/gameworld"
)

type fakeReporter struct {
	calls int
	err   error
}

func (r *fakeReporter) ReportGoalComplete() error {
	if r.err != nil {
		return r.err
	}
	r.calls++
	return nil
}

type fakeStore struct{ kinds []string }

func (s *fakeStore) CompleteGoal(save, kind string) error {
	s.kinds = append(s.kinds, kind)
	return nil
}

func newObserver(kind Kind, completed bool) (*Observer, *gameworld.Memory, *fakeReporter, *fakeStore) {
	w := gameworld.NewMemory()
	rep := &fakeReporter{}
	st := &fakeStore{}
	o := New(Config{Save: "file1", Kind: kind, World: w, Reporter: rep, Store: st, Logger: log.New(io.Discard, "", 0)}, completed)
	return o, w, rep, st
}

func TestKindFromSlotData(t *testing.T) {
	cases := []struct {
		data map[string]any
		want Kind
	}{
		{nil, RaftQuest},
		{map[string]any{"goal": float64(1)}, QueenOfAdventure},
		{map[string]any{"goal": 2}, QueenOfDreams},
		{map[string]any{"goal": "raft_quest"}, RaftQuest},
	}
	for _, c := range cases {
		got, err := KindFromSlotData(c.data)
		if err != nil || got != c.want {
			t.Fatalf("%v: got %q err=%v", c.data, got, err)
		}
	}
	if _, err := KindFromSlotData(map[string]any{"goal": float64(9)}); err == nil {
		t.Fatalf("expected error for unknown index")
	}
}

func TestObserver_RaftQuestReportsOnce(t *testing.T) {
	o, w, rep, st := newObserver(RaftQuest, false)
	w.SetStateVar("raft", 7)
	o.Delivered(delivery.Delivered{})
	if o.Completed() || rep.calls != 0 {
		t.Fatalf("seven pieces should not complete the goal")
	}

	w.SetStateVar("raft", 8)
	for i := 0; i < 5; i++ {
		o.Delivered(delivery.Delivered{})
		o.PlayerSpawned("FluffyFields")
	}
	if !o.Completed() || rep.calls != 1 || w.EndingUnlocked() != 1 || len(st.kinds) != 1 {
		t.Fatalf("completed=%v reports=%d unlocks=%d store=%v", o.Completed(), rep.calls, w.EndingUnlocked(), st.kinds)
	}
}

func TestObserver_QueenGoals(t *testing.T) {
	o, w, rep, _ := newObserver(QueenOfAdventure, false)
	o.PlayerSpawned("FluffyFields")
	if o.Completed() {
		t.Fatalf("no loot yet")
	}
	w.SetStateVar("loot", 1)
	o.PlayerSpawned("FluffyFields")
	if !o.Completed() || rep.calls != 1 {
		t.Fatalf("queen of adventure: completed=%v reports=%d", o.Completed(), rep.calls)
	}

	o, w, _, _ = newObserver(QueenOfDreams, false)
	for _, k := range []string{"d1", "d2", "d3", "d4"} {
		w.SetSaverVar("/local/dream", k, 1)
	}
	o.Evaluate()
	if o.Completed() {
		t.Fatalf("four dreams are not enough")
	}
	w.SetSaverVar("/local/dream", "d5", 1)
	o.Evaluate()
	if !o.Completed() {
		t.Fatalf("five dreams should complete")
	}
}

func TestObserver_EndingSceneCompletes(t *testing.T) {
	o, _, rep, _ := newObserver(QueenOfDreams, false)
	o.SceneLoaded("FluffyFields")
	if o.Completed() {
		t.Fatalf("unexpected completion")
	}
	o.SceneLoaded(EndingScene)
	o.SceneLoaded(EndingScene)
	if !o.Completed() || rep.calls != 1 {
		t.Fatalf("completed=%v reports=%d", o.Completed(), rep.calls)
	}
}

func TestObserver_ReReportsOnNewSession(t *testing.T) {
	o, w, rep, st := newObserver(RaftQuest, true)
	rep.err = errors.New("not connected")
	o.Evaluate()
	if rep.calls != 0 {
		t.Fatalf("failed report should not count")
	}

	rep.err = nil
	o.SessionStarted()
	o.Evaluate()
	if rep.calls != 1 {
		t.Fatalf("reports: %d", rep.calls)
	}
	o.SessionStarted()
	if rep.calls != 2 {
		t.Fatalf("a new session should re-report: %d", rep.calls)
	}
	if w.EndingUnlocked() != 0 || len(st.kinds) != 0 {
		t.Fatalf("persisted completion must not unlock or persist again")
	}
}
