package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jaracil/callwall"
	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/ivr"
	"github.com/jaracil/callwall/screening"
	"github.com/jaracil/callwall/store"
)

type fakeSession struct {
	id string
	m  callwall.Metrics
}

func (s fakeSession) Id() string                     { return s.id }
func (s fakeSession) Status() callwall.SessionStatus { return s.m.Status }
func (s fakeSession) Metrics() callwall.Metrics      { return s.m }

type fakeCalls struct {
	recs  []store.CallRecord
	limit int
	err   error
}

func (f *fakeCalls) RecentCalls(ctx context.Context, limit int) ([]store.CallRecord, error) {
	f.limit = limit
	return f.recs, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestNewRouter(t *testing.T) {
	if _, err := NewRouter(nil); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("NewRouter(nil) error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	sessions := []Session{
		fakeSession{id: "a", m: callwall.Metrics{Status: callwall.StatusReady}},
		fakeSession{id: "b", m: callwall.Metrics{Status: callwall.StatusRecovering}},
	}
	r, _ := NewRouter(&Config{Sessions: sessions, Health: fakePinger{}})
	w, body := do(t, r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || body["ready"] != 1.0 || body["sessions"] != 2.0 {
		t.Errorf("healthz = %d %v", w.Code, body)
	}

	r, _ = NewRouter(&Config{Health: fakePinger{err: errors.New("disk gone")}})
	w, body = do(t, r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("healthz = %d %v", w.Code, body)
	}
}

func TestSessions(t *testing.T) {
	r, _ := NewRouter(&Config{Sessions: []Session{
		fakeSession{id: "modem0", m: callwall.Metrics{Status: callwall.StatusDegraded, Timeouts: 2, LastCommand: "AT"}},
	}})
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out []sessionView
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "modem0" || out[0].State != "Degraded" || out[0].Timeouts != 2 {
		t.Errorf("sessions = %+v", out)
	}
}

func TestCalls(t *testing.T) {
	calls := &fakeCalls{recs: []store.CallRecord{{Number: "+15551234567", Action: "block"}}}
	r, _ := NewRouter(&Config{Calls: calls})

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantLimit int
	}{
		{"default limit", "/calls", http.StatusOK, defaultCallLimit},
		{"explicit limit", "/calls?limit=5", http.StatusOK, 5},
		{"capped limit", "/calls?limit=100000", http.StatusOK, maxCallLimit},
		{"bad limit", "/calls?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "/calls?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.limit = 0
			w, _ := do(t, r, http.MethodGet, tt.path, "")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if calls.limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", calls.limit, tt.wantLimit)
			}
		})
	}

	calls.err = errors.New("locked")
	if w, _ := do(t, r, http.MethodGet, "/calls", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d on store failure", w.Code)
	}

	r, _ = NewRouter(&Config{})
	if w, _ := do(t, r, http.MethodGet, "/calls", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d without a call log", w.Code)
	}
}

func TestCacheEntry(t *testing.T) {
	c := cache.New(cache.Options{})
	c.Put("+15551234567", cache.Entry{Action: "block", RiskScore: 0.9, Confidence: 0.8, UpdatedAt: time.Now()})
	r, _ := NewRouter(&Config{Cache: c})

	w, body := do(t, r, http.MethodGet, "/cache/5551234567", "")
	if w.Code != http.StatusOK || body["action"] != "block" || body["number"] != "+15551234567" {
		t.Errorf("cache hit = %d %v", w.Code, body)
	}
	if w, _ := do(t, r, http.MethodGet, "/cache/5550000000", ""); w.Code != http.StatusNotFound {
		t.Errorf("cache miss status = %d", w.Code)
	}
}

func newChallenges(t *testing.T) *ivr.Manager {
	t.Helper()
	m, err := ivr.New(&ivr.Config{Lists: screening.NewMemoryLists(), MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRespond(t *testing.T) {
	m := newChallenges(t)
	c, _ := m.Issue("5551234567")
	r, _ := NewRouter(&Config{Challenges: m})

	w, body := do(t, r, http.MethodGet, "/challenges/5551234567", "")
	if w.Code != http.StatusOK || body["id"] != c.ID {
		t.Errorf("get challenge = %d %v", w.Code, body)
	}
	if _, leaked := body["Expected"]; leaked || strings.Contains(w.Body.String(), `"`+c.Expected+`"`) {
		t.Error("expected code exposed")
	}

	wrong := "x" + c.Expected
	w, body = do(t, r, http.MethodPost, "/challenges/5551234567/respond", `{"answer":"`+wrong+`"}`)
	if w.Code != http.StatusOK || body["outcome"] != "Failed" || body["remaining"] != 1.0 || body["final"] != false {
		t.Errorf("wrong answer = %d %v", w.Code, body)
	}
	w, body = do(t, r, http.MethodPost, "/challenges/5551234567/respond", `{"answer":"`+c.Expected+`"}`)
	if w.Code != http.StatusOK || body["outcome"] != "Passed" || body["final"] != true {
		t.Errorf("right answer = %d %v", w.Code, body)
	}
	w, body = do(t, r, http.MethodPost, "/challenges/5551234567/respond", `{"answer":"1234"}`)
	if w.Code != http.StatusNotFound || body["outcome"] != "NotFound" {
		t.Errorf("resolved challenge = %d %v", w.Code, body)
	}
	if w, _ := do(t, r, http.MethodPost, "/challenges/5551234567/respond", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing answer status = %d", w.Code)
	}
}

func TestRespond_Exhausted(t *testing.T) {
	m := newChallenges(t)
	m.Issue("5551234567")
	r, _ := NewRouter(&Config{Challenges: m})

	do(t, r, http.MethodPost, "/challenges/5551234567/respond", `{"answer":"no"}`)
	w, body := do(t, r, http.MethodPost, "/challenges/5551234567/respond", `{"answer":"no"}`)
	if w.Code != http.StatusOK || body["final"] != true || body["reason"] != ivr.ErrChallengeExhausted.Error() {
		t.Errorf("exhausted = %d %v", w.Code, body)
	}
}

func TestChallengeAuth(t *testing.T) {
	m := newChallenges(t)
	m.Issue("5551234567")
	r, _ := NewRouter(&Config{Challenges: m, Secret: "s3cret"})

	sign := func(key string, exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "ivr",
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return "Bearer " + tok
	}

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", sign("other", time.Now().Add(time.Minute))}, http.StatusUnauthorized},
		{"expired", []string{"Authorization", sign("s3cret", time.Now().Add(-time.Minute))}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", sign("s3cret", time.Now().Add(time.Minute))}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, r, http.MethodGet, "/challenges/5551234567", "", tt.header...)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// Status routes stay open.
	if w, _ := do(t, r, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}
