package rinstrument

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relaxvm/internal/rvalue"
)

func TestHandleUpgradeRegistersClient(t *testing.T) {
	sink := NewSink()
	srv := httptest.NewServer(http.HandlerFunc(sink.handleUpgrade))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	waitForClientCount(t, sink, 1)
}

func TestBroadcastDeliversEventToConnectedClient(t *testing.T) {
	sink := NewSink()
	srv := httptest.NewServer(http.HandlerFunc(sink.handleUpgrade))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	waitForClientCount(t, sink, 1)

	ev := Event{FuncName: "add", Before: true, Args: []string{"1", "2"}}
	if err := sink.Broadcast(ev); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode broadcast event: %v", err)
	}
	if got.FuncName != "add" || !got.Before || len(got.Args) != 2 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestHookNeverVetoesAndFillsReturnOnlyAfter(t *testing.T) {
	sink := NewSink()
	before := sink.Hook(nil, "f", true, rvalue.Null(), []rvalue.Value{rvalue.Int(1)})
	if before != 0 {
		t.Fatalf("Hook before-call must always return 0 (no veto), got %d", before)
	}

	sink2 := NewSink()
	srv := httptest.NewServer(http.HandlerFunc(sink2.handleUpgrade))
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()
	waitForClientCount(t, sink2, 1)

	after := sink2.Hook(nil, "f", false, rvalue.Int(42), nil)
	if after != 0 {
		t.Fatalf("Hook after-call must always return 0 (no veto), got %d", after)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Before {
		t.Fatal("expected an after-call event")
	}
	if got.Return != "42" {
		t.Fatalf("expected the return value to be stringified only on the after event, got %q", got.Return)
	}
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	sink := NewSink()
	srv := httptest.NewServer(http.HandlerFunc(sink.handleUpgrade))
	defer srv.Close()

	conn := dial(t, srv)
	waitForClientCount(t, sink, 1)
	conn.Close()

	// The first Broadcast after a client disconnects should fail the
	// write and prune the dead entry; ClientCount reflects it afterward.
	for i := 0; i < 50; i++ {
		sink.Broadcast(Event{FuncName: "f", Before: true})
		if sink.ClientCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected the dead connection to be pruned, ClientCount = %d", sink.ClientCount())
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClientCount(t *testing.T, s *Sink, want int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if s.ClientCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("ClientCount never reached %d (last = %d)", want, s.ClientCount())
}
