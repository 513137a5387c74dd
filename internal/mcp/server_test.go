package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/auth"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/registry"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/transport"
)

func toolNames() []string {
	return []string{"observe", "experiment", "hypothesis", "stress", "replay", "detect_anomaly", "screenshot", "debug", "orchestrate"}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, name := range toolNames() {
		if err := r.Register(registry.Tool{
			Name:       name,
			Capability: auth.CapRead,
			Handler:    func(ctx context.Context, params json.RawMessage) (any, error) { return map[string]any{"ok": true}, nil },
		}); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	return r
}

// TestInitializeThenListTools is scenario S1: initialize, then tools/list,
// driven over a real stream transport wired to both ends of a net.Pipe.
func TestInitializeThenListTools(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()

	principal := auth.NewPrincipal("stdio-principal", auth.ParseCapabilities("read,write,admin"))
	srv := NewServer(transport.NewStreamTransport(serverConn), newTestRegistry(t), principal, "test", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	clientReader := bufio.NewReader(client)

	mustWriteLine(t, client, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{}}}`)
	line1 := mustReadLine(t, clientReader)
	var resp1 struct {
		ID     int `json:"id"`
		Result struct {
			ProtocolVersion string         `json:"protocolVersion"`
			Capabilities    map[string]any `json:"capabilities"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line1, &resp1); err != nil {
		t.Fatalf("unmarshal initialize response: %v (%s)", err, line1)
	}
	if resp1.ID != 1 {
		t.Errorf("id = %d, want 1", resp1.ID)
	}
	if resp1.Result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", resp1.Result.ProtocolVersion)
	}
	if _, ok := resp1.Result.Capabilities["tools"]; !ok {
		t.Errorf("capabilities.tools missing: %v", resp1.Result.Capabilities)
	}

	mustWriteLine(t, client, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	line2 := mustReadLine(t, clientReader)
	var resp2 struct {
		ID     int `json:"id"`
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line2, &resp2); err != nil {
		t.Fatalf("unmarshal tools/list response: %v (%s)", err, line2)
	}
	if resp2.ID != 2 {
		t.Errorf("id = %d, want 2", resp2.ID)
	}
	got := map[string]bool{}
	for _, tl := range resp2.Result.Tools {
		got[tl.Name] = true
	}
	for _, want := range toolNames() {
		if !got[want] {
			t.Errorf("tools/list missing %q", want)
		}
	}
}

func mustWriteLine(t *testing.T, w net.Conn, line string) {
	t.Helper()
	if _, err := w.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustReadLine(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	done := make(chan struct{})
	var line []byte
	var err error
	go func() {
		line, err = r.ReadBytes('\n')
		close(done)
	}()
	select {
	case <-done:
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response line")
		return nil
	}
}

func TestUnknownMethodMapsToMethodNotFound(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()

	srv := NewServer(transport.NewStreamTransport(serverConn), newTestRegistry(t), auth.Principal{}, "test", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	clientReader := bufio.NewReader(client)
	mustWriteLine(t, client, `{"jsonrpc":"2.0","id":9,"method":"bogus/method"}`)
	line := mustReadLine(t, clientReader)

	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != -32601 {
		t.Errorf("error.code = %d, want -32601", resp.Error.Code)
	}
}
