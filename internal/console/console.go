// Package console prints player-facing notifications: items received and
// sent, chat from the coordinator, and connection notices.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"shufflelink.ai/internal/delivery"
)

const DisconnectedNotice = "Oh no! You were disconnected from the server!"

type Sink struct {
	mu sync.Mutex
	w  io.Writer

	item   *color.Color
	player *color.Color
	warn   *color.Color
	chat   *color.Color
}

// New writes to w. Colors follow color.NoColor, so output to a pipe or a
// test buffer is plain text.
func New(w io.Writer) *Sink {
	return &Sink{
		w:      w,
		item:   color.New(color.FgHiCyan),
		player: color.New(color.FgHiMagenta),
		warn:   color.New(color.FgRed),
		chat:   color.New(color.FgWhite),
	}
}

func (s *Sink) Delivered(d delivery.Delivered) {
	item := s.item.Sprint(d.Item.Name)
	switch {
	case d.Err != nil:
		s.printf("%s %s: %v\n", s.warn.Sprint("Could not give"), item, d.Err)
	case d.FromSelf || d.From == "":
		s.printf("You found your %s!\n", item)
	default:
		s.printf("You got %s from %s!\n", item, s.player.Sprint(d.From))
	}
}

func (s *Sink) Sent(sent delivery.Sent) {
	if sent.Receiver == "" {
		s.printf("%s\n", sent.Text)
		return
	}
	s.printf("You sent an item to %s! %s\n", s.player.Sprint(sent.Receiver), sent.Text)
}

func (s *Sink) Message(text string) {
	if text == "" {
		return
	}
	s.printf("%s\n", s.chat.Sprint(text))
}

func (s *Sink) Notice(text string) {
	s.printf("%s\n", s.warn.Sprint(text))
}

func (s *Sink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
