package tlvapi

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{Type: MsgNode, Flags: FlagAdd | FlagCRI}
	msg.PutU32(NodeTlvNumber, 7)
	msg.PutString(NodeTlvName, "n7")
	msg.PutU16(NodeTlvX, 120)
	msg.PutU16(NodeTlvY, 45)

	buf, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != MsgNode || got.Flags != FlagAdd|FlagCRI {
		t.Fatalf("header = %v/%#x", got.Type, got.Flags)
	}
	if got.GetU32(NodeTlvNumber) != 7 {
		t.Fatalf("number = %d", got.GetU32(NodeTlvNumber))
	}
	if got.GetString(NodeTlvName) != "n7" {
		t.Fatalf("name = %q", got.GetString(NodeTlvName))
	}
	if got.GetU16(NodeTlvX) != 120 || got.GetU16(NodeTlvY) != 45 {
		t.Fatalf("position = %d,%d", got.GetU16(NodeTlvX), got.GetU16(NodeTlvY))
	}
}

func TestExtendedLengthField(t *testing.T) {
	long := strings.Repeat("x", 300)
	msg := &Message{Type: MsgFile}
	msg.PutString(FileTlvData, long)

	buf, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// tag + zero marker + 16-bit length
	if buf[headerLen] != FileTlvData || buf[headerLen+1] != extendedLengthMarker {
		t.Fatalf("field header = % x", buf[headerLen:headerLen+4])
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.GetString(FileTlvData) != long {
		t.Fatalf("value length = %d", len(got.GetString(FileTlvData)))
	}
}

func TestDecodeTruncatedField(t *testing.T) {
	msg := &Message{Type: MsgNode}
	msg.PutString(NodeTlvName, "n1")
	buf, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Claim a longer value than the payload carries.
	buf[headerLen+1] = 200

	if _, err := Decode(buf); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestDecodeIgnoresUnknownTags(t *testing.T) {
	msg := &Message{Type: MsgNode, Flags: FlagAdd}
	msg.PutU32(NodeTlvNumber, 3)
	msg.PutString(0xee, "future field")
	buf, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.GetU32(NodeTlvNumber) != 3 {
		t.Fatalf("number = %d", got.GetU32(NodeTlvNumber))
	}
}

func TestFrameTooLarge(t *testing.T) {
	msg := &Message{Type: MsgFile}
	msg.PutString(FileTlvData, strings.Repeat("x", maxPayload))
	if _, err := msg.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadWriteMessageStream(t *testing.T) {
	var buf bytes.Buffer
	first := &Message{Type: MsgSession, Flags: FlagAdd}
	first.PutString(SessionTlvNumber, "1")
	second := &Message{Type: MsgEvent}
	second.PutU32(EventTlvType, EventRuntimeState)

	if err := WriteMessage(&buf, first); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := WriteMessage(&buf, second); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got1, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	got2, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got1.Type != MsgSession || got1.GetString(SessionTlvNumber) != "1" {
		t.Fatalf("first = %+v", got1)
	}
	if got2.Type != MsgEvent || got2.GetU32(EventTlvType) != EventRuntimeState {
		t.Fatalf("second = %+v", got2)
	}
}

func TestConfigValueCodec(t *testing.T) {
	values, err := parseConfigValues("bandwidth=54000000|range=275")
	if err != nil {
		t.Fatalf("parseConfigValues: %v", err)
	}
	if values["range"] != "275" || values["bandwidth"] != "54000000" {
		t.Fatalf("values = %v", values)
	}
	if got := formatConfigValues(values); got != "bandwidth=54000000|range=275" {
		t.Fatalf("formatted = %q", got)
	}
	if _, err := parseConfigValues("nonsense"); err == nil {
		t.Fatal("malformed pair accepted")
	}
}
