package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agidotai/memini/internal/autopilot"
	"github.com/agidotai/memini/internal/coordination"
	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Registry, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus(4)
	reg := session.NewRegistry(bus, nil)
	agg := coordination.NewAggregator(reg, bus, nil)
	t.Cleanup(agg.Close)
	return New("127.0.0.1:0", reg, agg, nil, bus, nil), reg, bus
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestServer_SessionsAndWaiting(t *testing.T) {
	s, reg, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	a := reg.Spawn("first task")
	b := reg.Spawn("second task")
	if err := reg.MarkWaiting(b, "which one?"); err != nil {
		t.Fatal(err)
	}

	var sessions struct {
		Sessions []session.View `json:"sessions"`
	}
	if code := getJSON(t, ts, "/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(sessions.Sessions) != 2 || sessions.Sessions[0].ID != a {
		t.Fatalf("sessions = %+v", sessions.Sessions)
	}

	var waiting struct {
		Waiting []session.View `json:"waiting"`
	}
	if code := getJSON(t, ts, "/api/waiting", &waiting); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(waiting.Waiting) != 1 || waiting.Waiting[0].ID != b || waiting.Waiting[0].PendingQuestion != "which one?" {
		t.Fatalf("waiting = %+v", waiting.Waiting)
	}

	var one session.View
	if code := getJSON(t, ts, "/api/sessions/1", &one); code != http.StatusOK || one.ID != a {
		t.Fatalf("session 1 = %d %+v", code, one)
	}
	if code := getJSON(t, ts, "/api/sessions/99", nil); code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", code)
	}
	if code := getJSON(t, ts, "/api/sessions/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", code)
	}
}

func TestServer_GroupReport(t *testing.T) {
	s, reg, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	id := reg.Spawn("member", session.WithGroup("g1"))
	if err := s.agg.Create("g1", []int{id}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Complete(id, "answer"); err != nil {
		t.Fatal(err)
	}

	var rep coordination.Report
	if code := getJSON(t, ts, "/api/groups/g1", &rep); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if rep.Status != coordination.StatusComplete || !strings.Contains(rep.Summary, "answer") {
		t.Fatalf("report = %+v", rep)
	}
	if code := getJSON(t, ts, "/api/groups/none", nil); code != http.StatusNotFound {
		t.Fatalf("missing group status = %d", code)
	}
}

func TestServer_AutopilotDisabled(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	if code := getJSON(t, ts, "/api/autopilot", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
	if code := getJSON(t, ts, "/api/autopilot/x/results", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
}

func TestServer_AutopilotRoutes(t *testing.T) {
	bus := events.NewEventBus(4)
	reg := session.NewRegistry(bus, nil)
	sched := autopilot.NewScheduler(t.TempDir(), autopilot.RunnerFunc(
		func(ctx context.Context, rec autopilot.Recipe) (int, string, error) {
			return 5, "ran", nil
		}), bus, nil)
	defer sched.Close()
	if _, err := sched.Create("checks", 60, "run checks"); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Run("checks"); err != nil {
		t.Fatal(err)
	}

	s := New("127.0.0.1:0", reg, nil, sched, bus, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var status struct {
		Recipes []autopilot.RecipeStatus `json:"recipes"`
	}
	if code := getJSON(t, ts, "/api/autopilot", &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(status.Recipes) != 1 || status.Recipes[0].Name != "checks" || status.Recipes[0].Runs != 1 {
		t.Fatalf("recipes = %+v", status.Recipes)
	}

	var results struct {
		Runs []json.RawMessage `json:"runs"`
	}
	if code := getJSON(t, ts, "/api/autopilot/checks/results", &results); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(results.Runs) != 1 {
		t.Fatalf("runs = %d", len(results.Runs))
	}
	if code := getJSON(t, ts, "/api/autopilot/none/results", nil); code != http.StatusNotFound {
		t.Fatalf("missing recipe status = %d", code)
	}
}

func TestServer_WebsocketStreamsEvents(t *testing.T) {
	s, reg, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription races the spawn without a brief settle.
	time.Sleep(50 * time.Millisecond)
	reg.Spawn("streamed task")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type      string `json:"type"`
		SessionID int    `json:"session_id"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != events.SessionSpawned || ev.SessionID != 1 {
		t.Fatalf("event = %+v", ev)
	}
}
