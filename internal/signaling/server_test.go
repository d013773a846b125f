package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/auth"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
)

func newTestServer(t *testing.T, eng *fakeEngine, sessCfg session.Config, cfg ServerConfig) (*httptest.Server, *Controller) {
	t.Helper()
	ctrl, _ := newTestController(t, eng, sessCfg)
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	srv, err := NewServer(ctrl, cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return newHTTPTestServer(t, srv.Handler()), ctrl
}

func newHTTPTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string, headers ...string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var sb bytes.Buffer
	if _, err := sb.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, sb.String()
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var e httpErrorResponse
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		t.Fatalf("error body %q is not JSON: %v", body, err)
	}
	return e.Code
}

func TestServer_ConnectCandidateDisconnect(t *testing.T) {
	conn := newFakeConn()
	ts, ctrl := newTestServer(t, newFakeEngine(conn), session.Config{}, ServerConfig{})

	status, body := post(t, ts, "/ice-candidate", `{"socketId":"A","candidate":{"candidate":"`+candLine("early")+`","sdpMid":"0","sdpMLineIndex":0}}`)
	if status != http.StatusOK || body != "ok" {
		t.Fatalf("ice-candidate: %d %q", status, body)
	}

	status, body = post(t, ts, "/connect", `{"socketId":"A","sdp":"v=0\r\noffer\r\n","type":"offer"}`)
	if status != http.StatusOK {
		t.Fatalf("connect: %d %q", status, body)
	}
	var answer session.Description
	if err := json.Unmarshal([]byte(body), &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("answer=%+v", answer)
	}
	if got := conn.admittedFoundations(); len(got) != 1 || got[0] != "early" {
		t.Fatalf("admitted=%v, want [early]", got)
	}

	for i := 0; i < 2; i++ {
		status, body = post(t, ts, "/disconnect", `{"socketId":"A"}`)
		if status != http.StatusOK || body != "disconnected" {
			t.Fatalf("disconnect #%d: %d %q", i, status, body)
		}
	}
	if ctrl.Registry().Get("A") != nil {
		t.Fatalf("session still registered")
	}
}

func TestServer_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode string
	}{
		{name: "connect malformed", path: "/connect", body: `{"socketId":`, wantCode: "bad_message"},
		{name: "connect missing socketId", path: "/connect", body: `{"sdp":"v=0","type":"offer"}`, wantCode: "bad_message"},
		{name: "connect not an offer", path: "/connect", body: `{"socketId":"A","sdp":"v=0","type":"answer"}`, wantCode: "bad_message"},
		{name: "connect missing sdp", path: "/connect", body: `{"socketId":"A","type":"offer"}`, wantCode: "bad_message"},
		{name: "connect trailing data", path: "/connect", body: `{"socketId":"A","sdp":"v=0","type":"offer"} {}`, wantCode: "bad_message"},
		{name: "candidate too few fields", path: "/ice-candidate", body: `{"socketId":"A","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 9"}}`, wantCode: "invalid_candidate"},
		{name: "candidate non-numeric port", path: "/ice-candidate", body: `{"socketId":"A","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 x typ host"}}`, wantCode: "invalid_candidate"},
		{name: "candidate missing object", path: "/ice-candidate", body: `{"socketId":"A"}`, wantCode: "bad_message"},
		{name: "disconnect missing socketId", path: "/disconnect", body: `{}`, wantCode: "bad_message"},
	}
	ts, _ := newTestServer(t, newFakeEngine(), session.Config{}, ServerConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := post(t, ts, tt.path, tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status=%d body=%q, want 400", status, body)
			}
			if code := errorCode(t, body); code != tt.wantCode {
				t.Fatalf("code=%q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestServer_EndOfCandidatesIgnored(t *testing.T) {
	ts, ctrl := newTestServer(t, newFakeEngine(), session.Config{}, ServerConfig{})
	status, body := post(t, ts, "/ice-candidate", `{"socketId":"A","candidate":{"candidate":""}}`)
	if status != http.StatusOK || body != "ok" {
		t.Fatalf("status=%d body=%q", status, body)
	}
	if got := ctrl.Registry().PendingCandidates("A"); got != 0 {
		t.Fatalf("pending=%d, want 0", got)
	}
}

func TestServer_EngineRejectsOffer(t *testing.T) {
	conn := newFakeConn()
	conn.remoteErr = errors.Join(session.ErrInvalidOffer, errors.New("no m= lines"))
	ts, _ := newTestServer(t, newFakeEngine(conn), session.Config{}, ServerConfig{})

	status, body := post(t, ts, "/connect", `{"socketId":"A","sdp":"v=0","type":"offer"}`)
	if status != http.StatusBadRequest || errorCode(t, body) != "invalid_offer" {
		t.Fatalf("status=%d body=%q", status, body)
	}
}

func TestServer_EngineFailureIs500(t *testing.T) {
	conn := newFakeConn()
	conn.answerErr = errors.New("boom")
	ts, _ := newTestServer(t, newFakeEngine(conn), session.Config{}, ServerConfig{})

	status, body := post(t, ts, "/connect", `{"socketId":"A","sdp":"v=0","type":"offer"}`)
	if status != http.StatusInternalServerError || errorCode(t, body) != "internal_error" {
		t.Fatalf("status=%d body=%q", status, body)
	}
}

func TestServer_CandidateBufferFullIs429(t *testing.T) {
	ts, ctrl := newTestServer(t, newFakeEngine(), session.Config{MaxPendingCandidates: 1}, ServerConfig{})

	body := `{"socketId":"A","candidate":{"candidate":"` + candLine("x") + `"}}`
	if status, resp := post(t, ts, "/ice-candidate", body); status != http.StatusOK {
		t.Fatalf("first candidate: %d %q", status, resp)
	}
	status, resp := post(t, ts, "/ice-candidate", body)
	if status != http.StatusTooManyRequests || errorCode(t, resp) != "candidate_buffer_full" {
		t.Fatalf("second candidate: %d %q", status, resp)
	}
	if got := ctrl.Registry().Metrics().Get(metrics.CandidatesRejectedBufferFull); got != 1 {
		t.Fatalf("rejected metric=%d, want 1", got)
	}
}

func TestServer_RateLimitPerSocketID(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ts, _ := newTestServer(t, newFakeEngine(), session.Config{}, ServerConfig{RequestsPerSecond: 2, Clock: clock})

	body := func(id string) string {
		return `{"socketId":"` + id + `","candidate":{"candidate":"` + candLine("x") + `"}}`
	}
	for i := 0; i < 2; i++ {
		if status, resp := post(t, ts, "/ice-candidate", body("A")); status != http.StatusOK {
			t.Fatalf("request %d: %d %q", i, status, resp)
		}
	}
	status, resp := post(t, ts, "/ice-candidate", body("A"))
	if status != http.StatusTooManyRequests || errorCode(t, resp) != "rate_limited" {
		t.Fatalf("third request: %d %q", status, resp)
	}

	// Other clients are unaffected.
	if status, resp := post(t, ts, "/ice-candidate", body("B")); status != http.StatusOK {
		t.Fatalf("other client: %d %q", status, resp)
	}

	clock.Advance(time.Second)
	if status, resp := post(t, ts, "/ice-candidate", body("A")); status != http.StatusOK {
		t.Fatalf("after refill: %d %q", status, resp)
	}
}

func TestServer_BodyLimit(t *testing.T) {
	ts, _ := newTestServer(t, newFakeEngine(), session.Config{}, ServerConfig{MaxBodyBytes: 64})
	big := `{"socketId":"A","sdp":"` + strings.Repeat("a", 128) + `","type":"offer"}`
	status, body := post(t, ts, "/connect", big)
	if status != http.StatusRequestEntityTooLarge || errorCode(t, body) != "too_large" {
		t.Fatalf("status=%d body=%q", status, body)
	}
}

func TestServer_APIKeyAuth(t *testing.T) {
	ts, _ := newTestServer(t, newFakeEngine(), session.Config{}, ServerConfig{
		AuthMode: config.AuthModeAPIKey,
		Verifier: auth.APIKeyVerifier{Expected: "k3y"},
	})

	status, body := post(t, ts, "/disconnect", `{"socketId":"A"}`)
	if status != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("no key: %d %q", status, body)
	}
	status, _ = post(t, ts, "/disconnect", `{"socketId":"A"}`, "X-API-Key", "wrong")
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", status)
	}
	status, body = post(t, ts, "/disconnect", `{"socketId":"A"}`, "X-API-Key", "k3y")
	if status != http.StatusOK || body != "disconnected" {
		t.Fatalf("good key: %d %q", status, body)
	}
	status, _ = post(t, ts, "/disconnect?apiKey=k3y", `{"socketId":"A"}`)
	if status != http.StatusOK {
		t.Fatalf("query key: %d", status)
	}
}

func TestServer_JWTAuth(t *testing.T) {
	ts, _ := newTestServer(t, newFakeEngine(), session.Config{}, ServerConfig{
		AuthMode: config.AuthModeJWT,
		Verifier: auth.NewJWTVerifier("hub-secret"),
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
		"sub": "hub",
	}).SignedString([]byte("hub-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	status, _ := post(t, ts, "/disconnect", `{"socketId":"A"}`, "Authorization", "Bearer not-a-jwt")
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", status)
	}
	status, body := post(t, ts, "/disconnect", `{"socketId":"A"}`, "Authorization", "Bearer "+token)
	if status != http.StatusOK {
		t.Fatalf("good token: %d %q", status, body)
	}
}

func TestNewServer_RequiresVerifierForAuth(t *testing.T) {
	ctrl, _ := newTestController(t, newFakeEngine(), session.Config{})
	if _, err := NewServer(ctrl, ServerConfig{AuthMode: config.AuthModeJWT}); err == nil {
		t.Fatalf("expected error without verifier")
	}
}
