package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrame_SplitsPackets(t *testing.T) {
	frame := []byte(`[{"cmd":"Connected","team":0,"slot":1,"players":[],"missing_locations":[],"checked_locations":[3]},
		{"cmd":"ReceivedItems","index":0,"items":[{"item":7,"location":1,"player":1,"flags":1}]}]`)
	pkts, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("packets: got %d want 2", len(pkts))
	}
	base, err := DecodeBase(pkts[1])
	if err != nil || base.Cmd != CmdReceivedItems {
		t.Fatalf("base: %+v err=%v", base, err)
	}
	var ri ReceivedItemsPacket
	if err := json.Unmarshal(pkts[1], &ri); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ri.Items) != 1 || ri.Items[0].Item != 7 {
		t.Fatalf("items: %+v", ri.Items)
	}
}

func TestDecodeFrame_BareObjectAndErrors(t *testing.T) {
	pkts, err := DecodeFrame([]byte(` {"cmd":"Bounced","tags":["DeathLink"],"data":{}} `))
	if err != nil || len(pkts) != 1 {
		t.Fatalf("bare object: n=%d err=%v", len(pkts), err)
	}
	if _, err := DecodeFrame([]byte("  ")); err == nil {
		t.Fatalf("expected error for empty frame")
	}
	if _, err := DecodeFrame([]byte(`[{"cmd":`)); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestEncodeFrame_WrapsInArray(t *testing.T) {
	b, err := EncodeFrame(LocationChecksPacket{Cmd: CmdLocationChecks, Locations: []int64{500}})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if string(b) != `[{"cmd":"LocationChecks","locations":[500]}]` {
		t.Fatalf("frame: %s", b)
	}
	if _, err := EncodeFrame(); err == nil {
		t.Fatalf("expected error for empty frame")
	}
}

func TestPrintJSONText(t *testing.T) {
	p := PrintJSONPacket{Data: []JSONMessagePart{{Text: "Alice"}, {Text: " found "}, {Text: "Raft Piece"}}}
	if got := p.Text(); got != "Alice found Raft Piece" {
		t.Fatalf("text: %q", got)
	}
}
