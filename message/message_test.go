package message

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestServiceMessageJSON(t *testing.T) {
	req := &ServiceMessage{
		Name: "Echo.Say",
		Body: []byte(`{"text":"hi"}`),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var got ServiceMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to unmarshal request: %v", err)
	}
	if got.Name != req.Name || got.Error != "" || !bytes.Equal(got.Body, req.Body) {
		t.Fatalf("decoded request mismatch: %+v", got)
	}
}

func TestIsProgress(t *testing.T) {
	body, _ := json.Marshal(ProgressBody{TotalSize: 10, CompletedSize: 4})
	ack := &ServiceMessage{Name: NameProgress, Body: body}
	if !ack.IsProgress() {
		t.Fatal("expect progress ack")
	}
	if (&ServiceMessage{Name: "Echo.Say"}).IsProgress() {
		t.Fatal("a regular message is not a progress ack")
	}

	var p ProgressBody
	if err := json.Unmarshal(ack.Body, &p); err != nil || p.TotalSize != 10 || p.CompletedSize != 4 {
		t.Fatalf("unexpected progress body %+v (err=%v)", p, err)
	}
}
