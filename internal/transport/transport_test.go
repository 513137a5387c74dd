package transport

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
)

type rwc struct {
	io.Reader
	io.Writer
}

func (rwc) Close() error { return nil }

func TestStreamTransportReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n")

	tr := NewStreamTransport(rwc{Reader: &buf, Writer: &bytes.Buffer{}})
	msg, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != `{"jsonrpc":"2.0","id":1,"method":"initialize"}` {
		t.Errorf("msg = %s", msg)
	}
}

func TestStreamTransportWriteAppendsNewline(t *testing.T) {
	var out bytes.Buffer
	tr := NewStreamTransport(rwc{Reader: strings.NewReader(""), Writer: &out})
	if err := tr.WriteMessage([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if out.String() != "{\"ok\":true}\n" {
		t.Errorf("written = %q", out.String())
	}
}

func TestStreamTransportOversizedFrame(t *testing.T) {
	oversized := bytes.Repeat([]byte{'a'}, MaxFrameBytes+1)
	tr := NewStreamTransport(rwc{Reader: strings.NewReader(""), Writer: &bytes.Buffer{}})
	if err := tr.WriteMessage(oversized); err != ErrFrameTooLarge {
		t.Fatalf("WriteMessage oversized = %v, want ErrFrameTooLarge", err)
	}
}

func TestFramedTransportRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewFramedTransport(client)
	st := NewFramedTransport(server)

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	errCh := make(chan error, 1)
	go func() { errCh <- ct.WriteMessage(payload) }()

	got, err := st.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got = %s, want %s", got, payload)
	}
}

func TestFramedTransportRejectsOversizedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewFramedTransport(client)
	oversized := bytes.Repeat([]byte{'a'}, MaxFrameBytes+1)
	if err := ct.WriteMessage(oversized); err != ErrFrameTooLarge {
		t.Fatalf("WriteMessage oversized = %v, want ErrFrameTooLarge", err)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	tr := NewStreamTransport(rwc{Reader: strings.NewReader(""), Writer: &bytes.Buffer{}})
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got: %v", err)
	}
}
