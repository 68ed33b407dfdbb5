package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the coordinator network protocol version this client speaks.
var Version = NetworkVersion{Major: 0, Minor: 5, Build: 1, Class: "Version"}

// Packet commands.
const (
	CmdRoomInfo          = "RoomInfo"
	CmdConnect           = "Connect"
	CmdConnected         = "Connected"
	CmdConnectionRefused = "ConnectionRefused"
	CmdReceivedItems     = "ReceivedItems"
	CmdLocationChecks    = "LocationChecks"
	CmdStatusUpdate      = "StatusUpdate"
	CmdSync              = "Sync"
	CmdPrintJSON         = "PrintJSON"
	CmdBounce            = "Bounce"
	CmdBounced           = "Bounced"
)

// ItemsHandlingAll requests remote items, items from our own world and the
// starting inventory.
const ItemsHandlingAll = 0b111

// Client status values carried by StatusUpdate.
const (
	StatusUnknown   = 0
	StatusConnected = 5
	StatusReady     = 10
	StatusPlaying   = 20
	StatusGoal      = 30
)

// NetworkItem flags.
const (
	FlagProgression = 0b001
	FlagUseful      = 0b010
	FlagTrap        = 0b100
)

const TagDeathLink = "DeathLink"

// BasePacket lets us route packets by cmd.
type BasePacket struct {
	Cmd string `json:"cmd"`
}

func DecodeBase(b []byte) (BasePacket, error) {
	var p BasePacket
	err := json.Unmarshal(b, &p)
	return p, err
}

// DecodeFrame splits one websocket text frame into its packets. Frames are
// JSON arrays; a bare object is accepted as a single packet.
func DecodeFrame(b []byte) ([]json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if b[0] == '{' {
		return []json.RawMessage{append(json.RawMessage(nil), b...)}, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return out, nil
}

// EncodeFrame wraps packets into one frame.
func EncodeFrame(packets ...any) ([]byte, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	return json.Marshal(packets)
}
