package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/httputil"
)

type fakeLookup struct {
	approved map[string]bool
	err      error
	calls    int
}

func (f *fakeLookup) IsApproved(_ context.Context, address string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.approved[address], nil
}

type fakeChallenge struct {
	address  string
	approved bool
	called   bool
}

func (f *fakeChallenge) ServeChallenge(w http.ResponseWriter, _ *http.Request, address string, approved bool) {
	f.called = true
	f.address = address
	f.approved = approved
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("challenge"))
}

var siteOK = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("site:" + r.URL.Path))
})

func mockGate(lookup Lookup, ch ChallengeServer) *Gate {
	return New(lookup, ch, Options{
		Self:        "/protect",
		Maintenance: "/maintenance.html",
		Exempt:      []string{"/assets/"},
	})
}

func TestClassify_DecisionTable(t *testing.T) {
	lookup := &fakeLookup{approved: map[string]bool{"127.0.0.1": true}}
	g := mockGate(lookup, &fakeChallenge{})

	tests := []struct {
		address string
		gate    bool
		want    Decision
	}{
		{"127.0.0.1", false, Allow},
		{"127.0.0.1", true, Challenge},
		{"203.0.113.5", false, RedirectMaintenance},
		{"203.0.113.5", true, Challenge},
	}
	for _, tt := range tests {
		got, err := g.Classify(context.Background(), tt.address, tt.gate)
		if err != nil {
			t.Fatalf("Classify(%q, %v) error: %v", tt.address, tt.gate, err)
		}
		if got != tt.want {
			t.Errorf("Classify(%q, %v) = %s, want %s", tt.address, tt.gate, got, tt.want)
		}
	}
}

func TestClassify_FailsClosed(t *testing.T) {
	lookup := &fakeLookup{err: &allowlist.StoreError{Op: "lookup", Err: errors.New("unable to open database file")}}
	g := mockGate(lookup, &fakeChallenge{})

	for _, isGate := range []bool{false, true} {
		_, err := g.Classify(context.Background(), "203.0.113.5", isGate)
		if !errors.Is(err, allowlist.ErrStoreUnavailable) {
			t.Errorf("gate=%v: expected ErrStoreUnavailable, got %v", isGate, err)
		}
	}

	_, err := g.Classify(context.Background(), "", false)
	if !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
}

func serve(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Routes(t *testing.T) {
	lookup := &fakeLookup{approved: map[string]bool{"127.0.0.1": true}}
	ch := &fakeChallenge{}
	h := mockGate(lookup, ch).Middleware(siteOK)

	rec := serve(h, http.MethodGet, "/page", "127.0.0.1:5000")
	if rec.Code != http.StatusOK || rec.Body.String() != "site:/page" {
		t.Errorf("approved visitor should reach site, got %d %q", rec.Code, rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/page", "203.0.113.5:5000")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/maintenance.html" {
		t.Errorf("unknown visitor should be redirected, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = serve(h, http.MethodGet, "/protect", "127.0.0.1:5000")
	if !ch.called || !ch.approved || ch.address != "127.0.0.1" {
		t.Errorf("approved visitor on gate path should see challenge with status: %+v", ch)
	}
}

func TestMiddleware_ExemptPathsSkipLookup(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("must not be called")}
	h := mockGate(lookup, &fakeChallenge{}).Middleware(siteOK)

	for _, p := range []string{"/maintenance.html", "/assets/site.css"} {
		rec := serve(h, http.MethodGet, p, "203.0.113.5:5000")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", p, rec.Code)
		}
	}
	if lookup.calls != 0 {
		t.Errorf("exempt paths consulted the store %d times", lookup.calls)
	}
}

func TestMiddleware_StoreFailureIs500(t *testing.T) {
	lookup := &fakeLookup{err: &allowlist.StoreError{Op: "lookup", Err: errors.New("disk I/O error")}}
	ch := &fakeChallenge{}
	h := mockGate(lookup, ch).Middleware(siteOK)

	for _, p := range []string{"/", "/protect"} {
		rec := serve(h, http.MethodGet, p, "203.0.113.5:5000")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", p, rec.Code)
		}
	}
	if ch.called {
		t.Error("challenge must not be served when the store failed")
	}
}

func TestMiddleware_UnknownSourceIs403(t *testing.T) {
	h := mockGate(&fakeLookup{}, &fakeChallenge{}).Middleware(siteOK)
	rec := serve(h, http.MethodGet, "/", "not-an-address")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_ForwardedForPolicy(t *testing.T) {
	lookup := &fakeLookup{approved: map[string]bool{"198.51.100.7": true}}
	g := New(lookup, &fakeChallenge{}, Options{
		Self:   "/protect",
		Policy: httputil.ClientAddressPolicy{TrustForwarded: true},
	})
	h := g.Middleware(siteOK)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:80"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded approved address should pass, got %d", rec.Code)
	}
}
