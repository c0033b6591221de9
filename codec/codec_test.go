package codec

import (
	"errors"
	"testing"

	"chunk-rpc/message"
)

func testRoundTrip(t *testing.T, c Codec, originalMsg *message.ServiceMessage) {
	t.Helper()

	data, err := c.Encode(originalMsg)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Type(), err)
	}

	var decodedMsg message.ServiceMessage
	if err := c.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Type(), err)
	}

	if originalMsg.Name != decodedMsg.Name {
		t.Errorf("Name mismatch: got %s, want %s", decodedMsg.Name, originalMsg.Name)
	}
	if string(originalMsg.Body) != string(decodedMsg.Body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedMsg.Body), string(originalMsg.Body))
	}
	if originalMsg.Error != decodedMsg.Error {
		t.Errorf("Error mismatch: got %s, want %s", decodedMsg.Error, originalMsg.Error)
	}
}

func TestJSONCodec(t *testing.T) {
	testRoundTrip(t, &JSONCodec{}, &message.ServiceMessage{
		Name: "Echo.Say",
		Body: []byte(`{"text":"hi"}`),
	})
	testRoundTrip(t, &JSONCodec{}, &message.ServiceMessage{
		Name:  "Echo.Say",
		Error: "boom",
	})
}

func TestBinaryCodec(t *testing.T) {
	testRoundTrip(t, &BinaryCodec{}, &message.ServiceMessage{
		Name: "Echo.Say",
		Body: []byte(`{"text":"hi"}`),
	})
	testRoundTrip(t, &BinaryCodec{}, &message.ServiceMessage{
		Name:  "Echo.Say",
		Error: "boom",
	})
	testRoundTrip(t, &BinaryCodec{}, &message.ServiceMessage{})
}

func TestBinaryCodecLayout(t *testing.T) {
	data, err := (&BinaryCodec{}).Encode(&message.ServiceMessage{Name: "A.B", Body: []byte{9}, Error: "e"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 3, 'A', '.', 'B', 0, 0, 0, 1, 9, 0, 1, 'e'}
	if string(data) != string(want) {
		t.Fatalf("layout mismatch:\n got %v\nwant %v", data, want)
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	data, _ := (&BinaryCodec{}).Encode(&message.ServiceMessage{Name: "Echo.Say", Body: []byte("payload"), Error: "x"})

	for n := 0; n < len(data); n++ {
		var msg message.ServiceMessage
		err := (&BinaryCodec{}).Decode(data[:n], &msg)
		if !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("%d of %d bytes: expect ErrShortBuffer, got %v", n, len(data), err)
		}
	}
}

func TestBinaryCodecWrongType(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("not a message"); err == nil {
		t.Fatal("expect error for non-message value")
	}
	var s string
	if err := (&BinaryCodec{}).Decode([]byte{0, 0}, &s); err == nil {
		t.Fatal("expect error for non-message target")
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{"json": CodecTypeJSON, "": CodecTypeJSON, "Binary": CodecTypeBinary}
	for name, want := range cases {
		got, err := ParseCodecType(name)
		if err != nil || got != want {
			t.Errorf("%q: got %v (err=%v), want %v", name, got, err, want)
		}
		if GetCodec(got).Type() != want {
			t.Errorf("%q: GetCodec returned %v", name, GetCodec(got).Type())
		}
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func TestJSONCodecDecodeErrors(t *testing.T) {
	cdc := GetCodec(CodecTypeJSON)
	var msg message.ServiceMessage
	if err := cdc.Decode(nil, &msg); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expect ErrShortBuffer for empty input, got %v", err)
	}
	if err := cdc.Decode([]byte(`{"Name":`), &msg); err == nil {
		t.Fatal("expect error for truncated json")
	}
}
