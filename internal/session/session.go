package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"shufflelink.ai/internal/protocol"
)

const DefaultPort = "38281"

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Failed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a point-in-time snapshot of the connection.
type State struct {
	Status    Status
	Address   string
	Slot      string
	SlotID    int
	Team      int
	LastError string
}

// Info is what the coordinator told us when the slot was accepted.
type Info struct {
	Slot             string
	SlotID           int
	Team             int
	SeedName         string
	Players          []protocol.NetworkPlayer
	CheckedLocations []int64
	MissingLocations []int64
	SlotData         map[string]any
}

// PlayerName resolves a slot number to the player's alias, falling back to
// the slot name.
func (i Info) PlayerName(slot int) string {
	for _, p := range i.Players {
		if p.Slot == slot && p.Team == i.Team {
			if p.Alias != "" {
				return p.Alias
			}
			return p.Name
		}
	}
	if slot == 0 {
		return "Server"
	}
	return fmt.Sprintf("Player %d", slot)
}

// Subscriber receives inbound traffic in coordinator send order. Callbacks run
// on the session's dispatch goroutine and should hand work off quickly.
type Subscriber interface {
	ItemsReceived(p protocol.ReceivedItemsPacket)
	MessageReceived(p protocol.PrintJSONPacket)
	Bounced(p protocol.BouncedPacket)
	Disconnected(err error)
}

type Config struct {
	Game             string
	UUID             string
	Tags             []string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *log.Logger
}

type event struct {
	gen uint64
	fn  func(Subscriber)
}

type Session struct {
	cfg    Config
	logger *log.Logger

	mu sync.RWMutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	status  Status
	address string
	info    Info
	lastErr string
	tags    []string

	conn     *websocket.Conn
	readDone chan struct{}
	writeMu  sync.Mutex

	// gen changes on every Connect and Disconnect; queued events from an
	// older generation are dropped.
	gen    uint64
	subs   []Subscriber
	events []event
	wake   chan struct{}

	goalSent bool
}

func New(cfg Config) *Session {
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		tags:   append([]string(nil), cfg.Tags...),
		wake:   make(chan struct{}, 1),
	}
}

// NormalizeAddress turns "host", "host:port" or a full URL into a websocket
// URL with an explicit port.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("address %q has no host", addr)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	return u.String(), nil
}

// SetTags replaces the tags sent with the next Connect.
func (s *Session) SetTags(tags ...string) {
	s.mu.Lock()
	s.tags = append([]string(nil), tags...)
	s.mu.Unlock()
}

// Connect dials the coordinator and authenticates slotName. Callers must
// Disconnect a live session before connecting again.
func (s *Session) Connect(ctx context.Context, address, slotName, password string) (info Info, err error) {
	ctx, span := otel.Tracer("shufflelink.ai/internal/session").Start(ctx, "session.connect")
	span.SetAttributes(attribute.String("session.address", address), attribute.String("session.slot", slotName))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.startOnce.Do(func() { go s.dispatchLoop() })

	wsURL, err := NormalizeAddress(address)
	if err != nil {
		return Info{}, &NetworkError{Op: "connect", Addr: address, Err: err}
	}

	s.mu.Lock()
	if s.status == Connected || s.status == Connecting {
		s.mu.Unlock()
		return Info{}, ErrAlreadyConnected
	}
	s.status = Connecting
	s.address = wsURL
	s.lastErr = ""
	s.goalSent = false
	s.gen++
	s.events = nil
	tags := append([]string(nil), s.tags...)
	s.mu.Unlock()

	conn, info, rest, err := s.handshake(ctx, wsURL, slotName, password, tags)
	if err != nil {
		s.mu.Lock()
		s.status = Failed
		s.lastErr = err.Error()
		s.mu.Unlock()
		return Info{}, err
	}

	readDone := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.readDone = readDone
	s.status = Connected
	s.info = info
	gen := s.gen
	s.mu.Unlock()

	for _, raw := range rest {
		s.route(conn, gen, raw)
	}
	go s.readLoop(conn, gen, readDone)

	s.logger.Printf("connected: address=%s slot=%s slot_id=%d team=%d checked=%d missing=%d",
		wsURL, info.Slot, info.SlotID, info.Team, len(info.CheckedLocations), len(info.MissingLocations))
	return info, nil
}

func (s *Session) handshake(ctx context.Context, wsURL, slotName, password string, tags []string) (*websocket.Conn, Info, []json.RawMessage, error) {
	netErr := func(op string, err error) error {
		return &NetworkError{Op: op, Addr: wsURL, Err: err}
	}

	d := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, Info{}, nil, netErr("dial", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// Unblock reads if the caller gives up mid-handshake.
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopWatch()

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)

	fail := func(err error) (*websocket.Conn, Info, []json.RawMessage, error) {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = netErr("handshake", ctx.Err())
		}
		return nil, Info{}, nil, err
	}

	var room protocol.RoomInfoPacket
	var info Info
	sentConnect := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fail(netErr("handshake", err))
		}
		packets, err := protocol.DecodeFrame(msg)
		if err != nil {
			return fail(netErr("handshake", err))
		}
		for i, raw := range packets {
			base, err := protocol.DecodeBase(raw)
			if err != nil {
				continue
			}
			switch base.Cmd {
			case protocol.CmdRoomInfo:
				if sentConnect {
					continue
				}
				if err := json.Unmarshal(raw, &room); err != nil {
					return fail(netErr("handshake", fmt.Errorf("parse RoomInfo: %w", err)))
				}
				req := protocol.ConnectPacket{
					Cmd:           protocol.CmdConnect,
					Password:      password,
					Game:          s.cfg.Game,
					Name:          slotName,
					UUID:          s.cfg.UUID,
					Version:       protocol.Version,
					ItemsHandling: protocol.ItemsHandlingAll,
					Tags:          tags,
					SlotData:      true,
				}
				if req.Tags == nil {
					req.Tags = []string{}
				}
				if err := s.writeConn(conn, req); err != nil {
					return fail(netErr("handshake", err))
				}
				sentConnect = true

			case protocol.CmdConnectionRefused:
				var p protocol.ConnectionRefusedPacket
				_ = json.Unmarshal(raw, &p)
				for _, r := range p.Errors {
					if !protocol.IsKnownReason(r) {
						s.logger.Printf("connection refused with unrecognized reason: %q", r)
					}
				}
				return fail(&AuthError{Reasons: p.Errors})

			case protocol.CmdConnected:
				var p protocol.ConnectedPacket
				if err := json.Unmarshal(raw, &p); err != nil {
					return fail(netErr("handshake", fmt.Errorf("parse Connected: %w", err)))
				}
				info = Info{
					Slot:             slotName,
					SlotID:           p.Slot,
					Team:             p.Team,
					SeedName:         room.SeedName,
					Players:          p.Players,
					CheckedLocations: p.CheckedLocations,
					MissingLocations: p.MissingLocations,
					SlotData:         p.SlotData,
				}
				_ = conn.SetReadDeadline(time.Time{})
				return conn, info, packets[i+1:], nil
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(conn, gen, err)
			return
		}
		packets, err := protocol.DecodeFrame(msg)
		if err != nil {
			s.logger.Printf("bad frame: %v", err)
			continue
		}
		for _, raw := range packets {
			s.route(conn, gen, raw)
		}
	}
}

func (s *Session) route(conn *websocket.Conn, gen uint64, raw json.RawMessage) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		s.logger.Printf("bad packet: %v", err)
		return
	}
	switch base.Cmd {
	case protocol.CmdReceivedItems:
		var p protocol.ReceivedItemsPacket
		if err := json.Unmarshal(raw, &p); err != nil {
			s.logger.Printf("parse ReceivedItems: %v", err)
			return
		}
		s.enqueue(gen, func(sub Subscriber) { sub.ItemsReceived(p) })
	case protocol.CmdPrintJSON:
		var p protocol.PrintJSONPacket
		if err := json.Unmarshal(raw, &p); err != nil {
			s.logger.Printf("parse PrintJSON: %v", err)
			return
		}
		s.enqueue(gen, func(sub Subscriber) { sub.MessageReceived(p) })
	case protocol.CmdBounced:
		var p protocol.BouncedPacket
		if err := json.Unmarshal(raw, &p); err != nil {
			s.logger.Printf("parse Bounced: %v", err)
			return
		}
		s.enqueue(gen, func(sub Subscriber) { sub.Bounced(p) })
	case protocol.CmdRoomInfo, protocol.CmdConnected:
	default:
		// Packets this client has no use for (RoomUpdate, DataPackage, ...).
	}
}

func (s *Session) connectionLost(conn *websocket.Conn, gen uint64, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Disconnect already released this connection.
		s.mu.Unlock()
		return
	}
	_ = conn.Close()
	s.conn = nil
	s.status = Disconnected
	s.lastErr = err.Error()
	addr := s.address
	s.mu.Unlock()

	s.logger.Printf("connection lost: %v", err)
	lost := &NetworkError{Op: "read", Addr: addr, Err: err}
	s.enqueue(gen, func(sub Subscriber) { sub.Disconnected(lost) })
}

func (s *Session) enqueue(gen uint64, fn func(Subscriber)) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.events = append(s.events, event{gen: gen, fn: fn})
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop hands queued events to subscribers one at a time. Events wait
// here until at least one subscriber exists.
func (s *Session) dispatchLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		var (
			ev    event
			subs  []Subscriber
			found bool
		)
		for len(s.subs) > 0 && len(s.events) > 0 {
			ev = s.events[0]
			s.events[0] = event{}
			s.events = s.events[1:]
			if ev.gen == s.gen {
				subs = append([]Subscriber(nil), s.subs...)
				found = true
				break
			}
		}
		s.mu.Unlock()

		if found {
			for _, sub := range subs {
				ev.fn(sub)
			}
			continue
		}
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
	}
}

// Subscribe registers sub for inbound traffic. Subscribing the same value
// twice is a no-op. The returned func removes it.
func (s *Session) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.startOnce.Do(func() { go s.dispatchLoop() })
	s.mu.Lock()
	exists := false
	for _, cur := range s.subs {
		if cur == sub {
			exists = true
			break
		}
	}
	if !exists {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()
	s.notify()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.subs {
			if cur == sub {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Disconnect drops every subscriber, then releases the connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.subs = nil
	s.events = nil
	conn := s.conn
	readDone := s.readDone
	s.conn = nil
	s.readDone = nil
	s.status = Disconnected
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	_ = conn.Close()
	if readDone != nil {
		<-readDone
	}
	s.logger.Printf("disconnected")
}

// Close disconnects and stops the dispatch goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect()
		close(s.stop)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
	})
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Status:    s.status,
		Address:   s.address,
		Slot:      s.info.Slot,
		SlotID:    s.info.SlotID,
		Team:      s.info.Team,
		LastError: s.lastErr,
	}
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == Connected && s.conn != nil
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// ReportLocationChecked tells the coordinator these locations were checked.
// Repeats are harmless.
func (s *Session) ReportLocationChecked(ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.send(protocol.LocationChecksPacket{Cmd: protocol.CmdLocationChecks, Locations: ids})
}

// ReportGoalComplete sends the goal status at most once per connection.
func (s *Session) ReportGoalComplete() error {
	s.mu.Lock()
	if s.goalSent {
		s.mu.Unlock()
		return nil
	}
	s.goalSent = true
	s.mu.Unlock()

	if err := s.send(protocol.StatusUpdatePacket{Cmd: protocol.CmdStatusUpdate, Status: protocol.StatusGoal}); err != nil {
		s.mu.Lock()
		s.goalSent = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// RequestSync asks the coordinator to resend the full received-items list.
func (s *Session) RequestSync() error {
	return s.send(protocol.SyncPacket{Cmd: protocol.CmdSync})
}

func (s *Session) Bounce(tags []string, data map[string]any) error {
	return s.send(protocol.BouncePacket{Cmd: protocol.CmdBounce, Tags: tags, Data: data})
}

func (s *Session) send(packets ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	conn := s.conn
	addr := s.address
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := s.writeConn(conn, packets...); err != nil {
		return &NetworkError{Op: "write", Addr: addr, Err: err}
	}
	return nil
}

func (s *Session) writeConn(conn *websocket.Conn, packets ...any) error {
	b, err := protocol.EncodeFrame(packets...)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// IsRetryable reports whether err might go away by reconnecting.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
