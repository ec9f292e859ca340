package router

import (
	"context"
	"testing"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/providers"
)

func chatMapping(alias, provider string) Mapping {
	return Mapping{
		Alias:           alias,
		Provider:        provider,
		Model:           alias,
		Enabled:         true,
		ProviderEnabled: true,
		Capabilities:    providers.Capabilities{Chat: true, Streaming: true},
	}
}

func TestRouter_RoundRobinAlternates(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)

	var calls []string
	for i := 0; i < 5; i++ {
		_, err := r.Execute(context.Background(), "router:roundrobin", Need{}, func(_ context.Context, m Mapping) error {
			calls = append(calls, m.Provider)
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	want := []string{"a", "b", "a", "b", "a"}
	for i, w := range want {
		if calls[i] != w {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestRouter_FallbackOnUpstream(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)

	var calls []string
	served, err := r.Execute(context.Background(), "router:simple", Need{}, func(_ context.Context, m Mapping) error {
		calls = append(calls, m.Provider)
		if m.Provider == "a" {
			return conduiterr.New(conduiterr.Upstream, "503 from upstream")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served.Provider != "b" {
		t.Errorf("served by %q, want b", served.Provider)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v", calls)
	}
}

func TestRouter_NonRetryableStops(t *testing.T) {
	kinds := []conduiterr.Kind{
		conduiterr.Authentication,
		conduiterr.Configuration,
		conduiterr.Validation,
		conduiterr.Unsupported,
		conduiterr.ModelUnavailable,
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)
			var calls int
			_, err := r.Execute(context.Background(), "router", Need{}, func(_ context.Context, _ Mapping) error {
				calls++
				return conduiterr.New(kind, "boom")
			})
			if !conduiterr.Is(err, kind) {
				t.Errorf("err = %v, want %v", err, kind)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestRouter_RetryBudget(t *testing.T) {
	mappings := []Mapping{
		chatMapping("m", "a"), chatMapping("m", "b"),
		chatMapping("m", "c"), chatMapping("m", "d"),
		chatMapping("m", "e"),
	}
	r := New(mappings, Options{MaxRetries: 3}, nil)
	var calls int
	_, err := r.Execute(context.Background(), "router", Need{}, func(_ context.Context, _ Mapping) error {
		calls++
		return conduiterr.New(conduiterr.RateLimited, "slow down")
	})
	if !conduiterr.Is(err, conduiterr.RateLimited) {
		t.Errorf("err = %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want first attempt plus 3 retries", calls)
	}
}

func TestRouter_UnhealthyExclusionAndCoolOff(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)
	clock := time.Now()
	r.health.now = func() time.Time { return clock }

	// Three consecutive upstream failures mark a unhealthy.
	aKey := chatMapping("m", "a").key()
	for i := 0; i < 3; i++ {
		r.health.recordFailure(aKey)
	}

	ordered, err := r.Resolve("router:simple", Need{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ordered) != 1 || ordered[0].Provider != "b" {
		t.Fatalf("ordered = %+v, want only b", ordered)
	}

	// After the cool-off, a is eligible again.
	clock = clock.Add(61 * time.Second)
	ordered, err = r.Resolve("router:simple", Need{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ordered) != 2 {
		t.Errorf("ordered = %+v, want both after cool-off", ordered)
	}

	// A success resets the streak.
	r.health.recordFailure(aKey)
	r.health.recordSuccess(aKey)
	if !r.health.healthy(aKey) {
		t.Error("mapping should be healthy after a success")
	}
}

func TestRouter_AllUnhealthyStaysInPlay(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a")}, Options{}, nil)
	for i := 0; i < 3; i++ {
		r.health.recordFailure(chatMapping("m", "a").key())
	}
	ordered, err := r.Resolve("router", Need{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ordered) != 1 {
		t.Errorf("an all-unhealthy pool must remain routable, got %+v", ordered)
	}
}

func TestRouter_LeastUsedPrefersIdle(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)

	// Send traffic to a, then leastused must pick b.
	for i := 0; i < 3; i++ {
		r.health.recordAttempt(chatMapping("m", "a").key())
	}
	ordered, err := r.Resolve("router:leastused", Need{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ordered[0].Provider != "b" {
		t.Errorf("ordered = %+v, want b first", ordered)
	}
}

func TestRouter_PassthroughIgnoresHealth(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)
	for i := 0; i < 5; i++ {
		r.health.recordFailure(chatMapping("m", "a").key())
	}
	ordered, err := r.Resolve("router:passthrough:m", Need{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ordered) != 1 || ordered[0].Provider != "a" {
		t.Errorf("ordered = %+v, want only the first match", ordered)
	}
}

func TestRouter_CapabilityFilter(t *testing.T) {
	noStream := chatMapping("m", "a")
	noStream.Capabilities.Streaming = false
	r := New([]Mapping{noStream, chatMapping("m", "b")}, Options{}, nil)

	ordered, err := r.Resolve("router", Need{Streaming: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ordered) != 1 || ordered[0].Provider != "b" {
		t.Errorf("ordered = %+v, want only the streaming mapping", ordered)
	}
}

func TestRouter_UnknownAlias(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a")}, Options{}, nil)
	_, err := r.Resolve("no-such-model", Need{})
	if !conduiterr.Is(err, conduiterr.ModelUnavailable) {
		t.Errorf("err = %v, want ModelUnavailable", err)
	}
}

func TestRouter_DisabledMappingsSkipped(t *testing.T) {
	disabled := chatMapping("m", "a")
	disabled.Enabled = false
	providerOff := chatMapping("m", "b")
	providerOff.ProviderEnabled = false
	r := New([]Mapping{disabled, providerOff, chatMapping("m", "c")}, Options{}, nil)

	ordered, err := r.Resolve("router", Need{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ordered) != 1 || ordered[0].Provider != "c" {
		t.Errorf("ordered = %+v", ordered)
	}
}

func TestRouter_CancellationLeavesCountersUntouched(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a")}, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := r.Execute(ctx, "router", Need{}, func(_ context.Context, _ Mapping) error {
		cancel()
		return conduiterr.Wrap(conduiterr.Cancelled, ctx.Err(), "interrupted")
	})
	if !conduiterr.Is(err, conduiterr.Cancelled) {
		t.Errorf("err = %v, want Cancelled", err)
	}
	key := chatMapping("m", "a").key()
	if got := r.health.requests(key); got != 0 {
		t.Errorf("requests = %d, want 0 after cancellation", got)
	}
	if !r.health.healthy(key) {
		t.Error("cancellation must not mark a mapping unhealthy")
	}
}

func TestRouter_RandomStaysWithinEligible(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)
	for i := 0; i < 20; i++ {
		served, err := r.Execute(context.Background(), "router:random", Need{}, func(_ context.Context, _ Mapping) error {
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if served.Provider != "a" && served.Provider != "b" {
			t.Fatalf("served by %q", served.Provider)
		}
	}
}

func TestRouter_UnhealthyCount(t *testing.T) {
	r := New([]Mapping{chatMapping("m", "a"), chatMapping("m", "b")}, Options{}, nil)
	if got := r.UnhealthyCount(); got != 0 {
		t.Fatalf("UnhealthyCount = %d", got)
	}
	for i := 0; i < 3; i++ {
		r.health.recordFailure(chatMapping("m", "a").key())
	}
	if got := r.UnhealthyCount(); got != 1 {
		t.Errorf("UnhealthyCount = %d, want 1", got)
	}
}
