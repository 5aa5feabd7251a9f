package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/exchange/simbroker/internal/broadcast"
	"github.com/exchange/simbroker/internal/datasource"
	"github.com/exchange/simbroker/internal/session"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	dir := t.TempDir()
	// 第二条报价远在未来：实时倍速下会话保持 RUNNING，不会自然结束
	feed := "" +
		"1000000001,QUOTE,AAPL,99,200,100,200\n" +
		"4601000000000,QUOTE,AAPL,100,200,101,200\n"
	if err := os.WriteFile(filepath.Join(dir, "feed.csv"), []byte(feed), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	src := datasource.NewCSVSource(filepath.Join(dir, "feed.csv"), nil)
	log := logger.New("handler-test", io.Discard)

	mgr, err := session.NewManager(dir, src, broadcast.NewRegistry(), nil, log)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Shutdown)

	h := New(mgr, nil, Defaults{QueueCapacity: 1000, CheckpointEvery: 1000, DataDir: dir}, log)
	mux := http.NewServeMux()
	h.Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSession(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/sessions", map[string]interface{}{
		"sessionId":   id,
		"symbols":     []string{"AAPL"},
		"startNs":     1_000_000_000,
		"speedFactor": 1,
		"feeder":      "SHARED",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-1")

	resp, err := http.Get(srv.URL + "/v1/sessions?id=h-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var st struct {
		SessionID string `json:"sessionId"`
		State     string `json:"state"`
	}
	decode(t, resp, &st)
	if st.SessionID != "h-1" || st.State != "CREATED" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestListSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-a")
	createSession(t, srv, "h-b")

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var list []json.RawMessage
	decode(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-lc")

	for _, step := range []struct {
		path  string
		state string
	}{
		{"/v1/sessions/start?id=h-lc", "RUNNING"},
		{"/v1/sessions/pause?id=h-lc", "PAUSED"},
		{"/v1/sessions/resume?id=h-lc", "RUNNING"},
		{"/v1/sessions/stop?id=h-lc", "STOPPED"},
	} {
		resp := postJSON(t, srv.URL+step.path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", step.path, resp.StatusCode)
		}
		var st struct {
			State string `json:"state"`
		}
		decode(t, resp, &st)
		if st.State != step.state {
			t.Fatalf("%s: expected state %s, got %s", step.path, step.state, st.State)
		}
	}
}

func TestSubmitAndCancelOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-ord")
	resp := postJSON(t, srv.URL+"/v1/sessions/start?id=h-ord", nil)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/orders", map[string]interface{}{
		"sessionId":   "h-ord",
		"symbol":      "AAPL",
		"side":        "BUY",
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"qty":         10,
		"limitPrice":  50,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d", resp.StatusCode)
	}
	var order types.Order
	decode(t, resp, &order)
	if order.OrderID == "" || order.Status != types.StatusAccepted {
		t.Fatalf("unexpected order %+v", order)
	}

	resp = postJSON(t, fmt.Sprintf("%s/v1/orders/cancel?sessionId=h-ord&orderId=%s", srv.URL, order.OrderID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", resp.StatusCode)
	}
	var canceled types.Order
	decode(t, resp, &canceled)
	if canceled.Status != types.StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}
}

func TestSubmitOrderRejectedBeforeStart(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-rej")

	resp := postJSON(t, srv.URL+"/v1/orders", map[string]interface{}{
		"sessionId": "h-rej",
		"symbol":    "AAPL",
		"side":      "BUY",
		"type":      "MARKET",
		"qty":       10,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var rej rejectResponse
	decode(t, resp, &rej)
	if !rej.Rejected || rej.Reason != "SESSION_INACTIVE" {
		t.Fatalf("unexpected reject %+v", rej)
	}
}

func TestAccountAndPerformance(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-acct")

	resp, err := http.Get(srv.URL + "/v1/account?sessionId=h-acct")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var acct accountResponse
	decode(t, resp, &acct)
	if acct.Account.Cash != 100000 {
		t.Fatalf("expected default cash, got %v", acct.Account.Cash)
	}

	resp, err = http.Get(srv.URL + "/v1/performance?sessionId=h-acct")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var perf struct {
		Fills int64 `json:"fills"`
	}
	decode(t, resp, &perf)
	if perf.Fills != 0 {
		t.Fatalf("expected no fills, got %d", perf.Fills)
	}
}

func TestNBBOAndSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv, "h-nbbo")

	resp, err := http.Get(srv.URL + "/v1/nbbo?sessionId=h-nbbo&symbol=AAPL")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing quote, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/account?sessionId=nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestCreateSessionBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewReader([]byte("{nope")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
