package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"shufflelink.ai/internal/coordtest"
	"shufflelink.ai/internal/protocol"
)

type recorder struct {
	mu           sync.Mutex
	batches      []protocol.ReceivedItemsPacket
	messages     []protocol.PrintJSONPacket
	bounced      []protocol.BouncedPacket
	disconnected []error
	signal       chan struct{}
}

func newRecorder() *recorder { return &recorder{signal: make(chan struct{}, 64)} }

func (r *recorder) poke() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) ItemsReceived(p protocol.ReceivedItemsPacket) {
	r.mu.Lock()
	r.batches = append(r.batches, p)
	r.mu.Unlock()
	r.poke()
}

func (r *recorder) MessageReceived(p protocol.PrintJSONPacket) {
	r.mu.Lock()
	r.messages = append(r.messages, p)
	r.mu.Unlock()
	r.poke()
}

func (r *recorder) Bounced(p protocol.BouncedPacket) {
	r.mu.Lock()
	r.bounced = append(r.bounced, p)
	r.mu.Unlock()
	r.poke()
}

func (r *recorder) Disconnected(err error) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, err)
	r.mu.Unlock()
	r.poke()
}

func (r *recorder) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for condition")
		}
	}
}

func newTestSession() *Session {
	return New(Config{Game: "Ittle Dew 2", Logger: log.New(io.Discard, "", 0)})
}

func startCoordinator(t *testing.T, slots ...coordtest.Slot) (*coordtest.Server, string) {
	t.Helper()
	srv := coordtest.NewServer(nil)
	for _, sl := range slots {
		srv.AddSlot(sl)
	}
	addr := srv.Start()
	t.Cleanup(srv.Close)
	return srv, addr
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"localhost":                "ws://localhost:38281",
		"archipelago.gg:51234":     "ws://archipelago.gg:51234",
		"wss://archipelago.gg":     "wss://archipelago.gg:38281",
		"ws://127.0.0.1:9000/room": "ws://127.0.0.1:9000/room",
	}
	for in, want := range cases {
		got, err := NormalizeAddress(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
	for _, bad := range []string{"", "http://example.com"} {
		if _, err := NormalizeAddress(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestConnect_Success(t *testing.T) {
	srv, addr := startCoordinator(t, coordtest.Slot{
		Name:     "Ittle",
		ID:       3,
		Checked:  []int64{500},
		Missing:  []int64{501, 502},
		SlotData: map[string]any{"goal": float64(1)},
	})
	s := newTestSession()
	defer s.Close()

	info, err := s.Connect(ctxTimeout(t), addr, "Ittle", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.SlotID != 3 || info.SeedName != "test-seed" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(info.CheckedLocations) != 1 || len(info.MissingLocations) != 2 {
		t.Fatalf("locations: %+v", info)
	}
	if info.PlayerName(3) != "Ittle" {
		t.Fatalf("player name: %q", info.PlayerName(3))
	}
	if st := s.State(); st.Status != Connected || st.Slot != "Ittle" {
		t.Fatalf("state: %+v", st)
	}

	reqs := srv.Connects()
	if len(reqs) != 1 {
		t.Fatalf("connect requests: %d", len(reqs))
	}
	if reqs[0].ItemsHandling != protocol.ItemsHandlingAll || reqs[0].UUID == "" || !reqs[0].SlotData {
		t.Fatalf("connect request: %+v", reqs[0])
	}

	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnect_Refused(t *testing.T) {
	srv, addr := startCoordinator(t, coordtest.Slot{Name: "Ittle", Password: "hunter2"})
	s := newTestSession()
	defer s.Close()

	_, err := s.Connect(ctxTimeout(t), addr, "Ittle", "wrong")
	var ae *AuthError
	if !errors.As(err, &ae) || !ae.Has(protocol.RefusedInvalidPassword) {
		t.Fatalf("expected InvalidPassword, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("auth errors are not retryable")
	}
	if st := s.State(); st.Status != Failed || st.LastError == "" {
		t.Fatalf("state: %+v", st)
	}

	srv.Refuse("SlotTaken", protocol.RefusedIncompatibleVersion)
	_, err = s.Connect(ctxTimeout(t), addr, "Ittle", "hunter2")
	if !errors.As(err, &ae) || len(ae.Reasons) != 2 || ae.Reasons[0] != "SlotTaken" {
		t.Fatalf("expected verbatim reasons, got %v", err)
	}

	srv.Refuse()
	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", "hunter2"); err != nil {
		t.Fatalf("connect after refusal: %v", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := coordtest.NewServer(nil)
	addr := srv.Start()
	srv.Close()

	s := newTestSession()
	defer s.Close()
	_, err := s.Connect(ctxTimeout(t), addr, "Ittle", "")
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("network errors are retryable")
	}
}

func TestSubscribe_BacklogAndIdempotence(t *testing.T) {
	srv, addr := startCoordinator(t, coordtest.Slot{
		Name:  "Ittle",
		Items: []protocol.NetworkItem{{Item: 7, Player: 2}},
	})
	s := newTestSession()
	defer s.Close()

	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The initial item list arrived before anyone subscribed.
	rec := newRecorder()
	s.Subscribe(rec)
	unsubscribe := s.Subscribe(rec)

	rec.waitFor(t, func() bool { return len(rec.batches) == 1 })

	if err := srv.GiveItems("Ittle", protocol.NetworkItem{Item: 9, Player: 2}); err != nil {
		t.Fatalf("GiveItems: %v", err)
	}
	rec.waitFor(t, func() bool { return len(rec.batches) == 2 })

	rec.mu.Lock()
	first, second := rec.batches[0], rec.batches[1]
	rec.mu.Unlock()
	if first.Index != 0 || first.Items[0].Item != 7 {
		t.Fatalf("first batch: %+v", first)
	}
	if second.Index != 1 || second.Items[0].Item != 9 {
		t.Fatalf("second batch: %+v", second)
	}

	unsubscribe()
	if err := srv.GiveItems("Ittle", protocol.NetworkItem{Item: 11}); err != nil {
		t.Fatalf("GiveItems: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.batches)
	rec.mu.Unlock()
	if n != 2 {
		t.Fatalf("unsubscribed recorder still received batches: %d", n)
	}
}

func TestReportGoalComplete_OncePerSession(t *testing.T) {
	srv, addr := startCoordinator(t, coordtest.Slot{Name: "Ittle"})
	s := newTestSession()
	defer s.Close()

	if err := s.ReportGoalComplete(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.ReportGoalComplete(); err != nil {
			t.Fatalf("ReportGoalComplete: %v", err)
		}
	}
	if err := s.ReportLocationChecked(500, 501); err != nil {
		t.Fatalf("ReportLocationChecked: %v", err)
	}
	ctx := ctxTimeout(t)
	if err := srv.WaitFor(ctx, func() bool { return len(srv.Checks()) == 2 }); err != nil {
		t.Fatalf("wait checks: %v", err)
	}
	if got := srv.Statuses(); len(got) != 1 || got[0] != protocol.StatusGoal {
		t.Fatalf("statuses: %v", got)
	}

	s.Disconnect()
	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := s.ReportGoalComplete(); err != nil {
		t.Fatalf("ReportGoalComplete: %v", err)
	}
	if err := srv.WaitFor(ctx, func() bool { return len(srv.Statuses()) == 2 }); err != nil {
		t.Fatalf("goal should be re-sendable on a new session: %v", srv.Statuses())
	}
}

func TestDisconnect_UnsubscribesBeforeClosing(t *testing.T) {
	_, addr := startCoordinator(t, coordtest.Slot{Name: "Ittle"})
	s := newTestSession()
	defer s.Close()

	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec := newRecorder()
	s.Subscribe(rec)
	s.Disconnect()
	s.Disconnect()

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.disconnected) != 0 {
		t.Fatalf("explicit disconnect must not notify released observers")
	}
	if st := s.State(); st.Status != Disconnected {
		t.Fatalf("state: %+v", st)
	}
	if err := s.ReportLocationChecked(1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestServerDrop_NotifiesSubscribers(t *testing.T) {
	srv, addr := startCoordinator(t, coordtest.Slot{Name: "Ittle"})
	s := newTestSession()
	defer s.Close()

	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec := newRecorder()
	s.Subscribe(rec)
	srv.Kick("Ittle")

	rec.waitFor(t, func() bool { return len(rec.disconnected) == 1 })
	rec.mu.Lock()
	err := rec.disconnected[0]
	rec.mu.Unlock()
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if s.Connected() {
		t.Fatalf("session should report disconnected")
	}
}

func TestBounce_RoundTrip(t *testing.T) {
	srv, addr := startCoordinator(t, coordtest.Slot{Name: "Ittle"})
	s := newTestSession()
	s.SetTags(protocol.TagDeathLink)
	defer s.Close()

	if _, err := s.Connect(ctxTimeout(t), addr, "Ittle", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec := newRecorder()
	s.Subscribe(rec)
	if err := s.Bounce([]string{protocol.TagDeathLink}, map[string]any{"source": "Ittle"}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	rec.waitFor(t, func() bool { return len(rec.bounced) == 1 })
	if len(srv.Bounces()) != 1 {
		t.Fatalf("server bounces: %d", len(srv.Bounces()))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.bounced[0].HasTag(protocol.TagDeathLink) {
		t.Fatalf("bounced: %+v", rec.bounced[0])
	}
}
