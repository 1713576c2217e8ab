package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/internal/inputmux"
	"github.com/voxloop/voxloop/internal/response"
	"github.com/voxloop/voxloop/internal/session"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

// newTestServer builds a Server over a fresh typed-only session. The
// coordinator loop is not running; handlers read state directly.
func newTestServer(t *testing.T) (*Server, *conversation.Store, *inputmux.Mux, *session.Coordinator) {
	t.Helper()
	store := conversation.NewStore()
	mux := inputmux.New()
	rc := response.New(&llmmock.Provider{})
	coord := session.New(store, nil, rc, mux)
	srv := New(":0", store, mux, coord)
	return srv, store, mux, coord
}

func TestHandleSession(t *testing.T) {
	t.Parallel()
	srv, store, _, coord := newTestServer(t)

	if err := store.Append(conversation.Turn{Role: conversation.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.handleSession(rec, httptest.NewRequest("GET", "/v1/session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info sessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.SessionID != coord.ID() {
		t.Errorf("session_id = %q, want %q", info.SessionID, coord.ID())
	}
	if info.Turns != 1 {
		t.Errorf("turns = %d, want 1", info.Turns)
	}
}

func TestHandleHistory(t *testing.T) {
	t.Parallel()
	srv, store, _, _ := newTestServer(t)

	for _, text := range []string{"one", "two"} {
		if err := store.Append(conversation.Turn{Role: conversation.RoleUser, Content: text}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	srv.handleHistory(rec, httptest.NewRequest("GET", "/v1/history", nil))

	var body struct {
		Turns []turnJSON `json:"turns"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Turns) != 2 || body.Turns[0].Content != "one" || body.Turns[1].Content != "two" {
		t.Errorf("unexpected history: %+v", body.Turns)
	}
}

func TestHandleInput(t *testing.T) {
	t.Parallel()
	srv, _, mux, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/input", strings.NewReader(`{"text":"hello"}`))
	srv.handleInput(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if mux.Len() != 1 {
		t.Errorf("queue length = %d, want 1", mux.Len())
	}

	sub, err := mux.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if sub.Origin != inputmux.OriginTyped || sub.Text != "hello" {
		t.Errorf("unexpected submission: %+v", sub)
	}
}

func TestHandleInput_Validation(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty text", `{"text":""}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.handleInput(rec, httptest.NewRequest("POST", "/v1/input", strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestHandleInput_ClosedSession(t *testing.T) {
	t.Parallel()
	srv, _, mux, _ := newTestServer(t)
	mux.Close()

	rec := httptest.NewRecorder()
	srv.handleInput(rec, httptest.NewRequest("POST", "/v1/input", strings.NewReader(`{"text":"hi"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestWebsocketStreamsSnapshotAndEvents(t *testing.T) {
	t.Parallel()
	srv, store, _, coord := newTestServer(t)

	if err := store.Append(conversation.Turn{Role: conversation.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// First frame carries the history snapshot.
	var snap wsMessage
	readWS(ctx, t, conn, &snap)
	if snap.Type != "snapshot" || len(snap.Snapshot) != 1 || snap.Snapshot[0].Content != "hi" {
		t.Fatalf("unexpected snapshot frame: %+v", snap)
	}

	// A published event arrives as a subsequent frame.
	coord.Events().Publish(session.Event{Type: session.EventFragment, Text: "Hi"})

	var ev wsMessage
	readWS(ctx, t, conn, &ev)
	if ev.Type != "event" || ev.Event == nil || ev.Event.Text != "Hi" {
		t.Fatalf("unexpected event frame: %+v", ev)
	}
}

func readWS(ctx context.Context, t *testing.T, conn *websocket.Conn, v *wsMessage) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}
