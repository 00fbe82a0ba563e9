package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prastowoa/balesin/pkg/balesin/store"
	"github.com/prastowoa/balesin/pkg/balesin/telegram"
)

type fakeFleet struct {
	mu       sync.Mutex
	live     map[string]bool
	started  []string
	stopped  []string
	startErr map[string]error
	pingErr  map[string]error
	drops    uint64
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		live:     make(map[string]bool),
		startErr: make(map[string]error),
		pingErr:  make(map[string]error),
	}
}

func (f *fakeFleet) Start(_ context.Context, credential string) (telegram.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[credential]; err != nil {
		f.started = append(f.started, credential)
		return nil, err
	}
	f.started = append(f.started, credential)
	f.live[credential] = true
	return nil, nil
}

func (f *fakeFleet) Stop(credential string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, credential)
	delete(f.live, credential)
}

func (f *fakeFleet) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cred := range f.live {
		f.stopped = append(f.stopped, cred)
		delete(f.live, cred)
	}
}

func (f *fakeFleet) IsRunning(credential string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[credential]
}

func (f *fakeFleet) Ping(_ context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[credential] {
		return telegram.ErrNotConnected
	}
	return f.pingErr[credential]
}

func (f *fakeFleet) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeFleet) DroppedEvents() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

func (f *fakeFleet) startCount(credential string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.started {
		if c == credential {
			n++
		}
	}
	return n
}

type fakeOwners struct {
	mu       sync.Mutex
	owners   []store.Owner
	listErr  error
	disabled []int64
}

func (f *fakeOwners) Enabled(context.Context) ([]store.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]store.Owner(nil), f.owners...), nil
}

func (f *fakeOwners) SetEnabled(_ context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enabled {
		f.disabled = append(f.disabled, id)
		kept := f.owners[:0]
		for _, o := range f.owners {
			if o.TelegramUserID != id {
				kept = append(kept, o)
			}
		}
		f.owners = kept
	}
	return nil
}

func owner(id int64, credential string) store.Owner {
	return store.Owner{TelegramUserID: id, Session: &credential, UserbotEnabled: true}
}

func testOptions() Options {
	return Options{PollInterval: time.Hour, StartAttempts: 2, StartRetryDelay: time.Millisecond}
}

func TestReconcile_StartsEnabledOwners(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a"), owner(2, "cred-b")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())

	if fleet.Count() != 2 {
		t.Errorf("running = %d, want 2", fleet.Count())
	}
}

func TestReconcile_SkipsAlreadyRunning(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())
	w.Reconcile(context.Background())

	if got := fleet.startCount("cred-a"); got != 1 {
		t.Errorf("starts = %d, want 1", got)
	}
}

func TestReconcile_RestartsDeadConnection(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())
	fleet.mu.Lock()
	fleet.live["cred-a"] = false
	fleet.mu.Unlock()
	w.Reconcile(context.Background())

	if got := fleet.startCount("cred-a"); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
}

func TestReconcile_StopsDisabledOwners(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())

	owners.mu.Lock()
	owners.owners = nil
	owners.mu.Unlock()
	w.Reconcile(context.Background())

	if fleet.Count() != 0 {
		t.Errorf("running = %d, want 0", fleet.Count())
	}
	if len(fleet.stopped) != 1 || fleet.stopped[0] != "cred-a" {
		t.Errorf("stopped = %v, want [cred-a]", fleet.stopped)
	}
}

func TestReconcile_UnauthorizedCredentialDisablesOwner(t *testing.T) {
	fleet := newFakeFleet()
	fleet.startErr["cred-a"] = fmt.Errorf("starting userbot: %w", telegram.ErrNotAuthorized)
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())

	if got := fleet.startCount("cred-a"); got != 1 {
		t.Errorf("starts = %d, want 1 (no retry on bad credential)", got)
	}
	if len(owners.disabled) != 1 || owners.disabled[0] != 1 {
		t.Errorf("disabled = %v, want [1]", owners.disabled)
	}
}

func TestReconcile_TransientStartFailureRetriesBounded(t *testing.T) {
	fleet := newFakeFleet()
	fleet.startErr["cred-a"] = fmt.Errorf("dial tcp: connection refused")
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())

	if got := fleet.startCount("cred-a"); got != 2 {
		t.Errorf("starts = %d, want 2 (bounded retries)", got)
	}
}

func TestReconcile_ListFailureSkipsPass(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)
	w.Reconcile(context.Background())

	// A failing list must not be mistaken for "nobody is enabled".
	owners.mu.Lock()
	owners.listErr = fmt.Errorf("connection reset by peer")
	owners.mu.Unlock()
	w.Reconcile(context.Background())

	if fleet.Count() != 1 {
		t.Errorf("running = %d, want 1 (pass skipped)", fleet.Count())
	}
	if len(fleet.stopped) != 0 {
		t.Errorf("stopped = %v, want none", fleet.stopped)
	}
}

func TestReconcile_ProbeFailureRestartsConnection(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{owner(1, "cred-a")}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())

	// The live flag is still set but the session no longer answers.
	fleet.mu.Lock()
	fleet.pingErr["cred-a"] = fmt.Errorf("rpc timeout")
	fleet.mu.Unlock()
	w.Reconcile(context.Background())

	if len(fleet.stopped) != 1 || fleet.stopped[0] != "cred-a" {
		t.Errorf("stopped = %v, want [cred-a]", fleet.stopped)
	}
	if got := fleet.startCount("cred-a"); got != 2 {
		t.Errorf("starts = %d, want 2 (restarted after failed probe)", got)
	}
}

func TestReconcile_ConcurrentPassesConverge(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{}
	for i := int64(1); i <= 50; i++ {
		owners.owners = append(owners.owners, owner(i, fmt.Sprintf("cred-%d", i)))
	}
	w := New(fleet, owners, testOptions(), nil)

	// A slow pass can overlap the next tick; overlapping passes must not
	// corrupt the running set.
	run := func(wg *sync.WaitGroup) {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Reconcile(context.Background())
			}()
		}
	}

	var wg sync.WaitGroup
	run(&wg)
	wg.Wait()

	if fleet.Count() != 50 {
		t.Errorf("running = %d, want 50", fleet.Count())
	}

	owners.mu.Lock()
	owners.owners = nil
	owners.mu.Unlock()

	run(&wg)
	wg.Wait()

	if fleet.Count() != 0 {
		t.Errorf("running = %d, want 0 after disabling everyone", fleet.Count())
	}
}

func TestReconcile_OwnerWithoutCredentialIgnored(t *testing.T) {
	fleet := newFakeFleet()
	owners := &fakeOwners{owners: []store.Owner{{TelegramUserID: 1, UserbotEnabled: true}}}
	w := New(fleet, owners, testOptions(), nil)

	w.Reconcile(context.Background())

	if fleet.Count() != 0 {
		t.Errorf("running = %d, want 0", fleet.Count())
	}
}
