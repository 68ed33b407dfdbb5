// Package coordtest is an in-process coordinator for tests. It speaks just
// enough of the protocol to authenticate a slot, stream items, and record what
// the client reports.
package coordtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"shufflelink.ai/internal/protocol"
)

type Slot struct {
	Name     string
	Password string
	ID       int
	Team     int
	Game     string
	SlotData map[string]any
	Items    []protocol.NetworkItem
	Checked  []int64
	Missing  []int64
}

type peer struct {
	conn *websocket.Conn
	slot string
	tags []string

	writeMu sync.Mutex
}

func (p *peer) write(packets ...any) error {
	b, err := protocol.EncodeFrame(packets...)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	hs       *httptest.Server

	mu       sync.Mutex
	slots    map[string]*Slot
	peers    map[*peer]struct{}
	refuse   []string
	checks   []int64
	statuses []int
	syncs    int
	bounces  []protocol.BouncePacket
	connects []protocol.ConnectPacket

	changed chan struct{}
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		slots:   map[string]*Slot{},
		peers:   map[*peer]struct{}{},
		changed: make(chan struct{}, 1),
	}
}

// Start serves on a loopback port and returns the ws:// address.
func (s *Server) Start() string {
	s.hs = httptest.NewServer(s.Handler())
	return "ws" + strings.TrimPrefix(s.hs.URL, "http")
}

func (s *Server) Close() {
	s.mu.Lock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
	s.mu.Unlock()
	if s.hs != nil {
		s.hs.Close()
	}
}

func (s *Server) AddSlot(sl Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.ID == 0 {
		sl.ID = len(s.slots) + 1
	}
	cp := sl
	s.slots[sl.Name] = &cp
}

// Refuse makes every following Connect fail with reasons. No reasons
// restores normal authentication.
func (s *Server) Refuse(reasons ...string) {
	s.mu.Lock()
	s.refuse = append([]string(nil), reasons...)
	s.mu.Unlock()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p := &peer{conn: conn}
		if !s.handshake(p) {
			return
		}
		defer func() {
			s.mu.Lock()
			delete(s.peers, p)
			s.mu.Unlock()
			s.touch()
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			packets, err := protocol.DecodeFrame(msg)
			if err != nil {
				continue
			}
			for _, raw := range packets {
				s.handlePacket(p, raw)
			}
		}
	}
}

func (s *Server) handshake(p *peer) bool {
	room := protocol.RoomInfoPacket{
		Cmd:      protocol.CmdRoomInfo,
		Version:  protocol.Version,
		SeedName: "test-seed",
	}
	if err := p.write(room); err != nil {
		return false
	}

	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := p.conn.ReadMessage()
	if err != nil {
		return false
	}
	_ = p.conn.SetReadDeadline(time.Time{})
	packets, err := protocol.DecodeFrame(msg)
	if err != nil || len(packets) == 0 {
		return false
	}
	var req protocol.ConnectPacket
	if err := json.Unmarshal(packets[0], &req); err != nil || req.Cmd != protocol.CmdConnect {
		return false
	}

	s.mu.Lock()
	s.connects = append(s.connects, req)
	reasons := append([]string(nil), s.refuse...)
	sl, ok := s.slots[req.Name]
	if len(reasons) == 0 {
		switch {
		case !ok:
			reasons = []string{protocol.RefusedInvalidSlot}
		case sl.Password != "" && sl.Password != req.Password:
			reasons = []string{protocol.RefusedInvalidPassword}
		case sl.Game != "" && sl.Game != req.Game:
			reasons = []string{protocol.RefusedInvalidGame}
		}
	}
	if len(reasons) > 0 {
		s.mu.Unlock()
		s.touch()
		_ = p.write(protocol.ConnectionRefusedPacket{Cmd: protocol.CmdConnectionRefused, Errors: reasons})
		return false
	}

	p.slot = sl.Name
	p.tags = append([]string(nil), req.Tags...)
	connected := protocol.ConnectedPacket{
		Cmd:              protocol.CmdConnected,
		Team:             sl.Team,
		Slot:             sl.ID,
		Players:          s.playersLocked(),
		CheckedLocations: append([]int64{}, sl.Checked...),
		MissingLocations: append([]int64{}, sl.Missing...),
		SlotData:         sl.SlotData,
	}
	items := append([]protocol.NetworkItem(nil), sl.Items...)
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.touch()

	frame := []any{connected}
	if len(items) > 0 {
		frame = append(frame, protocol.ReceivedItemsPacket{Cmd: protocol.CmdReceivedItems, Index: 0, Items: items})
	}
	if err := p.write(frame...); err != nil {
		return false
	}
	s.log.Printf("slot %s connected", sl.Name)
	return true
}

func (s *Server) playersLocked() []protocol.NetworkPlayer {
	out := make([]protocol.NetworkPlayer, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, protocol.NetworkPlayer{Team: sl.Team, Slot: sl.ID, Alias: sl.Name, Name: sl.Name})
	}
	return out
}

func (s *Server) handlePacket(p *peer, raw json.RawMessage) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return
	}
	switch base.Cmd {
	case protocol.CmdLocationChecks:
		var req protocol.LocationChecksPacket
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		s.mu.Lock()
		s.checks = append(s.checks, req.Locations...)
		if sl := s.slots[p.slot]; sl != nil {
			sl.Checked = append(sl.Checked, req.Locations...)
		}
		s.mu.Unlock()
	case protocol.CmdStatusUpdate:
		var req protocol.StatusUpdatePacket
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		s.mu.Lock()
		s.statuses = append(s.statuses, req.Status)
		s.mu.Unlock()
	case protocol.CmdSync:
		s.mu.Lock()
		s.syncs++
		var items []protocol.NetworkItem
		if sl := s.slots[p.slot]; sl != nil {
			items = append(items, sl.Items...)
		}
		s.mu.Unlock()
		_ = p.write(protocol.ReceivedItemsPacket{Cmd: protocol.CmdReceivedItems, Index: 0, Items: items})
	case protocol.CmdBounce:
		var req protocol.BouncePacket
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		s.mu.Lock()
		s.bounces = append(s.bounces, req)
		var targets []*peer
		for q := range s.peers {
			if sharesTag(q.tags, req.Tags) {
				targets = append(targets, q)
			}
		}
		s.mu.Unlock()
		out := protocol.BouncedPacket{Cmd: protocol.CmdBounced, Tags: req.Tags, Data: req.Data}
		for _, q := range targets {
			_ = q.write(out)
		}
	}
	s.touch()
}

func sharesTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (s *Server) peersFor(slot string) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*peer
	for p := range s.peers {
		if p.slot == slot {
			out = append(out, p)
		}
	}
	return out
}

// GiveItems appends items to the slot's received list and pushes them to any
// connected client with the matching index.
func (s *Server) GiveItems(slot string, items ...protocol.NetworkItem) error {
	s.mu.Lock()
	sl := s.slots[slot]
	if sl == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown slot %q", slot)
	}
	index := len(sl.Items)
	sl.Items = append(sl.Items, items...)
	s.mu.Unlock()

	return s.Send(slot, protocol.ReceivedItemsPacket{Cmd: protocol.CmdReceivedItems, Index: index, Items: items})
}

// Send writes raw packets to every connection of slot.
func (s *Server) Send(slot string, packets ...any) error {
	for _, p := range s.peersFor(slot) {
		if err := p.write(packets...); err != nil {
			return err
		}
	}
	return nil
}

// Kick drops the slot's connections from the server side.
func (s *Server) Kick(slot string) {
	for _, p := range s.peersFor(slot) {
		_ = p.conn.Close()
	}
}

func (s *Server) Connected(slot string) bool {
	return len(s.peersFor(slot)) > 0
}

func (s *Server) Checks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.checks...)
}

func (s *Server) Statuses() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.statuses...)
}

func (s *Server) SyncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

func (s *Server) Bounces() []protocol.BouncePacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.BouncePacket(nil), s.bounces...)
}

func (s *Server) Connects() []protocol.ConnectPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ConnectPacket(nil), s.connects...)
}

func (s *Server) touch() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// WaitFor blocks until cond holds or ctx ends.
func (s *Server) WaitFor(ctx context.Context, cond func() bool) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.changed:
		case <-tick.C:
		}
	}
}
