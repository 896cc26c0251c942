package challenge

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/httputil"
	"gatekeeper/internal/session"

	"github.com/rs/zerolog"
)

// fakeApprover records approvals in memory with allowlist semantics.
type fakeApprover struct {
	mu    sync.Mutex
	rows  map[string]bool
	err   error
	calls int
}

func newFakeApprover(addrs ...string) *fakeApprover {
	f := &fakeApprover{rows: map[string]bool{}}
	for _, a := range addrs {
		f.rows[a] = true
	}
	return f
}

func (f *fakeApprover) Approve(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.rows[address] {
		return allowlist.ErrDuplicateAddress
	}
	f.rows[address] = true
	return nil
}

type recordingSyncer struct {
	mu    sync.Mutex
	addrs []string
	err   error
}

func (r *recordingSyncer) Name() string { return "recording" }
func (r *recordingSyncer) Sync(_ context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs = append(r.addrs, address)
	return r.err
}

func mockMachine(t *testing.T, store Approver, syncer *recordingSyncer) *Machine {
	t.Helper()
	v, err := NewSharedSecret("hunter2")
	if err != nil {
		t.Fatalf("NewSharedSecret failed: %v", err)
	}
	if syncer == nil {
		return NewMachine(store, v, nil)
	}
	return NewMachine(store, v, syncer)
}

func TestStep_NotSubmitted(t *testing.T) {
	store := newFakeApprover()
	m := mockMachine(t, store, nil)

	for _, tc := range []struct {
		credential string
		submitted  bool
	}{{"", false}, {"hunter2", false}, {"", true}} {
		out, err := m.Step(context.Background(), "203.0.113.5", tc.credential, tc.submitted)
		if err != nil {
			t.Fatalf("Step error: %v", err)
		}
		if out.State != AwaitingCredential || out.Action != RenderForm {
			t.Errorf("credential=%q submitted=%v: got %v/%v", tc.credential, tc.submitted, out.State, out.Action)
		}
	}
	if store.calls != 0 {
		t.Errorf("store touched %d times", store.calls)
	}
}

func TestStep_WrongCredentialNeverTouchesStore(t *testing.T) {
	store := newFakeApprover()
	syncer := &recordingSyncer{}
	m := mockMachine(t, store, syncer)

	out, err := m.Step(context.Background(), "203.0.113.5", "wrong", true)
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if out.State != Rejected || out.Action != RedirectSelf {
		t.Fatalf("expected Rejected/RedirectSelf, got %v/%v", out.State, out.Action)
	}
	if out.Message.Text != WrongPassword || out.Message.Severity != session.SeverityError {
		t.Errorf("unexpected message %+v", out.Message)
	}
	if store.calls != 0 || len(syncer.addrs) != 0 {
		t.Errorf("rejection must not write: store=%d sync=%d", store.calls, len(syncer.addrs))
	}
}

func TestStep_CorrectCredentialApproves(t *testing.T) {
	store := newFakeApprover()
	syncer := &recordingSyncer{}
	m := mockMachine(t, store, syncer)

	out, err := m.Step(context.Background(), "203.0.113.5", "hunter2", true)
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if out.State != Approved || out.Action != RedirectRoot || !out.NewlyApproved {
		t.Fatalf("expected newly Approved/RedirectRoot, got %+v", out)
	}
	if !store.rows["203.0.113.5"] {
		t.Error("address not stored")
	}
	if len(syncer.addrs) != 1 || syncer.addrs[0] != "203.0.113.5" {
		t.Errorf("sync not triggered: %v", syncer.addrs)
	}
}

func TestStep_DuplicateIsSuccess(t *testing.T) {
	store := newFakeApprover("203.0.113.5")
	m := mockMachine(t, store, nil)

	out, err := m.Step(context.Background(), "203.0.113.5", "hunter2", true)
	if err != nil {
		t.Fatalf("duplicate approval must not fail: %v", err)
	}
	if out.State != Approved || out.NewlyApproved {
		t.Errorf("expected Approved (not new), got %+v", out)
	}
}

func TestStep_StoreFailureIsFatal(t *testing.T) {
	store := newFakeApprover()
	store.err = &allowlist.StoreError{Op: "insert", Err: errors.New("disk I/O error")}
	syncer := &recordingSyncer{}
	m := mockMachine(t, store, syncer)

	_, err := m.Step(context.Background(), "203.0.113.5", "hunter2", true)
	if !errors.Is(err, allowlist.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(syncer.addrs) != 0 {
		t.Error("sync must not run when approval failed")
	}
}

func TestStep_SyncFailureDoesNotBlockApproval(t *testing.T) {
	store := newFakeApprover()
	syncer := &recordingSyncer{err: errors.New("redis down")}
	m := mockMachine(t, store, syncer)

	out, err := m.Step(context.Background(), "203.0.113.5", "hunter2", true)
	if err != nil {
		t.Fatalf("sync failure leaked: %v", err)
	}
	if out.State != Approved {
		t.Errorf("expected Approved, got %v", out.State)
	}
}

func TestStep_CancelledRequestStillSyncs(t *testing.T) {
	store := newFakeApprover()
	syncer := &recordingSyncer{}
	m := mockMachine(t, store, syncer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Step(ctx, "203.0.113.5", "hunter2", true); err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if len(syncer.addrs) != 1 {
		t.Error("sync should run on a detached context")
	}
}

func TestStep_LogsWithRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("request_id", "req-42").Logger()
	ctx := httputil.WithLogger(context.Background(), &logger)
	m := mockMachine(t, newFakeApprover(), nil)

	if _, err := m.Step(ctx, "203.0.113.5", "wrong", true); err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if _, err := m.Step(ctx, "203.0.113.5", "hunter2", true); err != nil {
		t.Fatalf("Step error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d:\n%s", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, `"request_id":"req-42"`) || !strings.Contains(line, `"address":"203.0.113.5"`) {
			t.Errorf("log line missing request id or address: %s", line)
		}
	}
}

func TestStep_ConcurrentSameAddressApprovesOnce(t *testing.T) {
	ctx := context.Background()
	store, err := allowlist.OpenSQLite(filepath.Join(t.TempDir(), "protect.sqlite"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	syncer := &recordingSyncer{}
	m := mockMachine(t, store, syncer)

	const n = 2
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		outs  = make([]Outcome, n)
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outs[i], errs[i] = m.Step(ctx, "203.0.113.5", "hunter2", true)
		}(i)
	}
	close(start)
	wg.Wait()

	newly := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if outs[i].State != Approved || outs[i].Action != RedirectRoot {
			t.Errorf("request %d: got %v/%v, want Approved/RedirectRoot", i, outs[i].State, outs[i].Action)
		}
		if outs[i].NewlyApproved {
			newly++
		}
	}
	if newly != 1 {
		t.Errorf("expected exactly one new approval, got %d", newly)
	}

	rows, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Address != "203.0.113.5" {
		t.Errorf("expected a single row for 203.0.113.5, got %+v", rows)
	}
}

func TestSharedSecret(t *testing.T) {
	if _, err := NewSharedSecret(""); err == nil {
		t.Error("empty secret must be rejected")
	}
	v, _ := NewSharedSecret("secret!")
	if err := v.Verify("secret!"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	for _, bad := range []string{"", "secret", "secret!!", "SECRET!"} {
		if err := v.Verify(bad); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("Verify(%q) = %v, want ErrInvalidCredential", bad, err)
		}
	}
}
