package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadWriteTypedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTyped(&buf, Query, []byte("SELECT 1\x00")); err != nil {
		t.Fatalf("WriteTyped: %v", err)
	}
	f, err := ReadTyped(&buf, 0)
	if err != nil {
		t.Fatalf("ReadTyped: %v", err)
	}
	if f.Type != Query {
		t.Fatalf("type = %q, want Q", f.Type)
	}
	if string(f.Payload) != "SELECT 1\x00" {
		t.Fatalf("payload = %q", f.Payload)
	}
}

func TestReadTypedInvalidLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{Query, 0x00, 0x00, 0x00, 0x00})
	_, err := ReadTyped(buf, 0)
	var fe *FramingError
	if !errors.As(err, &fe) || fe.Kind != InvalidLength {
		t.Fatalf("want InvalidLength FramingError, got %v", err)
	}
}

func TestReadTypedNegativeLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{Query, 0x00, 0x00, 0x00, 0x02})
	_, err := ReadTyped(buf, 0)
	var fe *FramingError
	if !errors.As(err, &fe) || fe.Kind != InvalidLength {
		t.Fatalf("want InvalidLength FramingError, got %v", err)
	}
}

func TestReadTypedOverlarge(t *testing.T) {
	// Claims a 1GiB payload; must be rejected before allocating it.
	buf := bytes.NewBuffer([]byte{Query, 0x40, 0x00, 0x00, 0x04})
	_, err := ReadTyped(buf, 1<<20)
	var fe *FramingError
	if !errors.As(err, &fe) || fe.Kind != Overlarge {
		t.Fatalf("want Overlarge FramingError, got %v", err)
	}
}

func TestReadTypedTruncated(t *testing.T) {
	buf := bytes.NewBuffer([]byte{Query, 0x00, 0x00, 0x00, 0x08, 'a', 'b'})
	_, err := ReadTyped(buf, 0)
	var fe *FramingError
	if !errors.As(err, &fe) || fe.Kind != Truncated {
		t.Fatalf("want Truncated FramingError, got %v", err)
	}
}

func TestPeekReadyForQuery(t *testing.T) {
	f := Frame{Type: ReadyForQuery, Payload: []byte{'I'}}
	status, ok := PeekReadyForQuery(f)
	if !ok || status != TxnIdle {
		t.Fatalf("got status=%v ok=%v", status, ok)
	}

	f2 := Frame{Type: Query, Payload: []byte{'I'}}
	if _, ok := PeekReadyForQuery(f2); ok {
		t.Fatalf("expected ok=false for non-Z frame")
	}
}

func TestReadUntypedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0, 3, 0, 0} // protocol version 3.0
	payload = append(payload, "user\x00alice\x00\x00"...)
	if err := WriteUntyped(&buf, payload); err != nil {
		t.Fatalf("WriteUntyped: %v", err)
	}
	f, err := ReadUntyped(&buf, 0)
	if err != nil {
		t.Fatalf("ReadUntyped: %v", err)
	}
	if !f.Untyped {
		t.Fatalf("expected Untyped frame")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestParseStartupParams(t *testing.T) {
	body := []byte("user\x00alice\x00database\x00mydb\x00\x00")
	params := ParseStartupParams(body)
	if params["user"] != "alice" || params["database"] != "mydb" {
		t.Fatalf("params = %+v", params)
	}
}
