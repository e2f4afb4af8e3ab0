package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap/zaptest"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/journal"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/metrics"
)

type fakeStatus struct{}

func (fakeStatus) CurrentLap() int { return 2 }
func (fakeStatus) Laps() []lap.Lap {
	return []lap.Lap{{Number: 1, Status: lap.StatusCompleted}, {Number: 2, Status: lap.StatusRunning}}
}
func (fakeStatus) Workers() []common.Address {
	return []common.Address{common.HexToAddress("0x00000000000000000000000000000000000000aa")}
}

func newTestServer(t *testing.T) (*Server, *lap.Control) {
	t.Helper()
	ctl := lap.NewControl()
	j := journal.New("sess-1", zaptest.NewLogger(t))
	j.Emit(context.Background(), journal.Event{Event: journal.EventLapStarted, Lap: 2})
	return New(Options{
		SessionID:   "sess-1",
		Control:     ctl,
		Status:      fakeStatus{},
		Metrics:     metrics.New(),
		Journal:     j,
		Broadcaster: journal.NewBroadcaster(zaptest.NewLogger(t)),
		Logger:      zaptest.NewLogger(t),
	}), ctl
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_PauseResumeStop(t *testing.T) {
	srv, ctl := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/pause")
	if rec.Code != http.StatusOK || !ctl.Paused() {
		t.Fatalf("pause: code=%d paused=%v", rec.Code, ctl.Paused())
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body["changed"] || !body["paused"] {
		t.Fatalf("pause body=%s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/pause"); !strings.Contains(rec.Body.String(), `"changed":false`) {
		t.Fatalf("second pause should not change state: %s", rec.Body.String())
	}

	do(t, h, http.MethodPost, "/resume")
	if ctl.Paused() {
		t.Fatalf("resume did not clear pause")
	}
	do(t, h, http.MethodPost, "/stop")
	if !ctl.Stopped() {
		t.Fatalf("stop not applied")
	}

	if rec := do(t, h, http.MethodGet, "/pause"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /pause code=%d want 405", rec.Code)
	}
}

func TestServer_Status(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.SessionID != "sess-1" || st.Lap != 2 || len(st.Laps) != 2 || len(st.Workers) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(st.Recent) != 1 || st.Recent[0].Event != journal.EventLapStarted {
		t.Fatalf("recent events=%+v", st.Recent)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rotator_trading_active") {
		t.Fatalf("metrics code=%d", rec.Code)
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
