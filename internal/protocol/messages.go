package protocol

import "strings"

type NetworkVersion struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Build int    `json:"build"`
	Class string `json:"class"`
}

// RoomInfo (server -> client), sent right after the socket opens.
type RoomInfoPacket struct {
	Cmd              string         `json:"cmd"`
	Version          NetworkVersion `json:"version"`
	GeneratorVersion NetworkVersion `json:"generator_version,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Password         bool           `json:"password"`
	SeedName         string         `json:"seed_name"`
	Games            []string       `json:"games,omitempty"`
	Time             float64        `json:"time,omitempty"`
}

// Connect (client -> server)
type ConnectPacket struct {
	Cmd           string         `json:"cmd"`
	Password      string         `json:"password"`
	Game          string         `json:"game"`
	Name          string         `json:"name"`
	UUID          string         `json:"uuid"`
	Version       NetworkVersion `json:"version"`
	ItemsHandling int            `json:"items_handling"`
	Tags          []string       `json:"tags"`
	SlotData      bool           `json:"slot_data"`
}

type NetworkPlayer struct {
	Team  int    `json:"team"`
	Slot  int    `json:"slot"`
	Alias string `json:"alias"`
	Name  string `json:"name"`
}

// Connected (server -> client)
type ConnectedPacket struct {
	Cmd              string          `json:"cmd"`
	Team             int             `json:"team"`
	Slot             int             `json:"slot"`
	Players          []NetworkPlayer `json:"players"`
	MissingLocations []int64         `json:"missing_locations"`
	CheckedLocations []int64         `json:"checked_locations"`
	SlotData         map[string]any  `json:"slot_data,omitempty"`
	HintPoints       int             `json:"hint_points,omitempty"`
}

// ConnectionRefused (server -> client)
type ConnectionRefusedPacket struct {
	Cmd    string   `json:"cmd"`
	Errors []string `json:"errors,omitempty"`
}

type NetworkItem struct {
	Item     int64 `json:"item"`
	Location int64 `json:"location"`
	Player   int   `json:"player"`
	Flags    int   `json:"flags"`
}

// ReceivedItems (server -> client). Index is the position of Items[0] in the
// slot's full received list; index 0 means the whole list is being resent.
type ReceivedItemsPacket struct {
	Cmd   string        `json:"cmd"`
	Index int           `json:"index"`
	Items []NetworkItem `json:"items"`
}

// LocationChecks (client -> server)
type LocationChecksPacket struct {
	Cmd       string  `json:"cmd"`
	Locations []int64 `json:"locations"`
}

// StatusUpdate (client -> server)
type StatusUpdatePacket struct {
	Cmd    string `json:"cmd"`
	Status int    `json:"status"`
}

// Sync (client -> server) asks for the full received items list.
type SyncPacket struct {
	Cmd string `json:"cmd"`
}

// Bounce (client -> server)
type BouncePacket struct {
	Cmd   string         `json:"cmd"`
	Games []string       `json:"games,omitempty"`
	Slots []int          `json:"slots,omitempty"`
	Tags  []string       `json:"tags,omitempty"`
	Data  map[string]any `json:"data"`
}

// Bounced (server -> client)
type BouncedPacket struct {
	Cmd   string         `json:"cmd"`
	Games []string       `json:"games,omitempty"`
	Slots []int          `json:"slots,omitempty"`
	Tags  []string       `json:"tags,omitempty"`
	Data  map[string]any `json:"data"`
}

func (b BouncedPacket) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PrintJSON message types the client reacts to.
const (
	PrintItemSend = "ItemSend"
	PrintChat     = "Chat"
)

type JSONMessagePart struct {
	Type   string `json:"type,omitempty"`
	Text   string `json:"text"`
	Player int    `json:"player,omitempty"`
	Flags  int    `json:"flags,omitempty"`
}

// PrintJSON (server -> client)
type PrintJSONPacket struct {
	Cmd       string            `json:"cmd"`
	Type      string            `json:"type,omitempty"`
	Data      []JSONMessagePart `json:"data"`
	Receiving int               `json:"receiving,omitempty"`
	Item      *NetworkItem      `json:"item,omitempty"`
	Found     *bool             `json:"found,omitempty"`
	Slot      int               `json:"slot,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Text flattens the message parts.
func (p PrintJSONPacket) Text() string {
	var b strings.Builder
	for _, part := range p.Data {
		b.WriteString(part.Text)
	}
	return b.String()
}
