package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/agentvisor/internal/harness"
)

type fakeProvider struct {
	harness.Base
	probe func() harness.Availability
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{Base: harness.NewBase(harness.Descriptor{Name: name, DisplayName: name + " display"}, nil, harness.Dialect{})}
}

func (f *fakeProvider) BuildArgs(harness.RunOptions) (harness.BuildResult, error) {
	return harness.BuildResult{}, nil
}

func (f *fakeProvider) CheckAvailability() harness.Availability {
	if f.probe != nil {
		return f.probe()
	}
	desc := f.Descriptor()
	return harness.Availability{Name: desc.Name, DisplayName: desc.DisplayName, Available: true, ResolvedPath: "/bin/" + desc.Name}
}

func TestRegisterGetAndListAll(t *testing.T) {
	t.Parallel()

	reg := New()
	for _, name := range []string{"cursor", "claude", "codex"} {
		if err := reg.Register(newFakeProvider(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if _, ok := reg.Get(" Claude "); !ok {
		t.Fatal("expected case-insensitive lookup")
	}
	if _, err := reg.Lookup("gemini"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("lookup error = %v, want ErrNotRegistered", err)
	}

	all := reg.ListAll()
	if len(all) != 3 || all[0].Name != "claude" || all[1].Name != "codex" || all[2].Name != "cursor" {
		t.Fatalf("ListAll = %#v, want sorted by name", all)
	}
}

func TestRegisterReplacesExistingProvider(t *testing.T) {
	t.Parallel()

	reg := New()
	first := newFakeProvider("claude")
	second := newFakeProvider("claude")
	if err := reg.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatalf("register replacement: %v", err)
	}

	got, _ := reg.Get("claude")
	if got != second {
		t.Fatal("expected replacement provider")
	}
	if len(reg.ListAll()) != 1 {
		t.Fatalf("ListAll = %v, want one entry", reg.ListAll())
	}
}

func TestRegisterRejectsInvalidProviders(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Register(nil); err == nil {
		t.Fatal("expected nil provider error")
	}
	if err := reg.Register(newFakeProvider("  ")); err == nil {
		t.Fatal("expected empty name error")
	}
}

func TestListAvailableRecoversPanicsAndKeepsOrder(t *testing.T) {
	t.Parallel()

	reg := New()
	broken := newFakeProvider("codex")
	broken.probe = func() harness.Availability { panic("probe exploded") }
	for _, provider := range []harness.Provider{newFakeProvider("cursor"), broken, newFakeProvider("claude")} {
		if err := reg.Register(provider); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	results := reg.ListAvailable(context.Background())
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Name != "claude" || !results[0].Available {
		t.Fatalf("claude = %#v", results[0])
	}
	if results[1].Name != "codex" || results[1].Available || results[1].Error == "" {
		t.Fatalf("codex = %#v, want unavailable with panic error", results[1])
	}
	if results[2].Name != "cursor" || !results[2].Available {
		t.Fatalf("cursor = %#v", results[2])
	}
}

func TestListAvailableStopsWaitingWhenContextEnds(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	reg := New()
	slow := newFakeProvider("claude")
	slow.probe = func() harness.Availability {
		<-release
		return harness.Availability{Name: "claude", Available: true}
	}
	if err := reg.Register(slow); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	results := reg.ListAvailable(ctx)
	if len(results) != 1 || results[0].Available || results[0].Error == "" {
		t.Fatalf("results = %#v, want timed-out probe", results)
	}
}

func TestLeaseCountsAndIdempotentRelease(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Register(newFakeProvider("claude")); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := reg.MarkActive("claude")
	if err != nil {
		t.Fatalf("mark active: %v", err)
	}
	second, err := reg.MarkActive("claude")
	if err != nil {
		t.Fatalf("mark active: %v", err)
	}
	if reg.ActiveCount("claude") != 2 {
		t.Fatalf("count = %d, want 2", reg.ActiveCount("claude"))
	}

	first.Release()
	first.Release()
	if !reg.IsActive("claude") {
		t.Fatal("second run must keep the provider active")
	}

	second.Release()
	if reg.IsActive("claude") {
		t.Fatal("expected provider inactive after all leases released")
	}
}

func TestMarkActiveUnknownProvider(t *testing.T) {
	t.Parallel()

	if _, err := New().MarkActive("ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("error = %v, want ErrNotRegistered", err)
	}
}

func TestMarkInactiveForceClears(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Register(newFakeProvider("codex")); err != nil {
		t.Fatalf("register: %v", err)
	}
	lease, err := reg.MarkActive("codex")
	if err != nil {
		t.Fatalf("mark active: %v", err)
	}

	reg.MarkInactive("codex")
	reg.MarkInactive("codex")
	if reg.IsActive("codex") {
		t.Fatal("expected inactive after MarkInactive")
	}
	lease.Release()
	if reg.ActiveCount("codex") != 0 {
		t.Fatalf("count = %d, want 0", reg.ActiveCount("codex"))
	}
}

func TestConcurrentLeasesBalance(t *testing.T) {
	t.Parallel()

	reg := New()
	for _, name := range []string{"claude", "codex"} {
		if err := reg.Register(newFakeProvider(name)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		name := "claude"
		if i%2 == 0 {
			name = "codex"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := reg.MarkActive(name)
			if err != nil {
				t.Errorf("mark active: %v", err)
				return
			}
			lease.Release()
		}()
	}
	wg.Wait()

	if reg.IsActive("claude") || reg.IsActive("codex") {
		t.Fatal("expected every lease to be released")
	}
}

func TestDefaultProviderSelection(t *testing.T) {
	t.Parallel()

	if _, err := New().DefaultProvider(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("empty registry error = %v", err)
	}

	reg := New()
	for _, name := range []string{"zeta", "cursor", "codex"} {
		if err := reg.Register(newFakeProvider(name)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	provider, err := reg.DefaultProvider()
	if err != nil || provider.Descriptor().Name != "codex" {
		t.Fatalf("default = %v, %v; want codex by priority", provider, err)
	}

	configured := New(WithDefault("Cursor"))
	for _, name := range []string{"claude", "cursor"} {
		if err := configured.Register(newFakeProvider(name)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	provider, err = configured.DefaultProvider()
	if err != nil || provider.Descriptor().Name != "cursor" {
		t.Fatalf("default = %v, %v; want configured cursor", provider, err)
	}

	fallback := New(WithDefault("gemini"))
	if err := fallback.Register(newFakeProvider("zeta")); err != nil {
		t.Fatalf("register: %v", err)
	}
	provider, err = fallback.DefaultProvider()
	if err != nil || provider.Descriptor().Name != "zeta" {
		t.Fatalf("default = %v, %v; want first registered", provider, err)
	}
}

func TestInfoUsesCatalog(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Register(newFakeProvider("claude")); err != nil {
		t.Fatalf("register: %v", err)
	}
	info, err := reg.Info("claude")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Version == "" || info.Description == "" {
		t.Fatalf("info = %#v, want catalog metadata", info)
	}
	if _, err := reg.Info("ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("error = %v, want ErrNotRegistered", err)
	}
}

type countingStore struct {
	*MemoryStore
	adds int
}

func (c *countingStore) Add(name string, delta int) int {
	c.adds++
	return c.MemoryStore.Add(name, delta)
}

func TestWithActiveStoreIsUsed(t *testing.T) {
	t.Parallel()

	store := &countingStore{MemoryStore: NewMemoryStore()}
	reg := New(WithActiveStore(store))
	if err := reg.Register(newFakeProvider("claude")); err != nil {
		t.Fatalf("register: %v", err)
	}
	lease, err := reg.MarkActive("claude")
	if err != nil {
		t.Fatalf("mark active: %v", err)
	}
	lease.Release()
	if store.adds != 2 {
		t.Fatalf("store adds = %d, want 2", store.adds)
	}
}
