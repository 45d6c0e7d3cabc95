package provider

import (
	"context"
	"testing"

	"github.com/stackport/stackport/internal/domain"
)

type stubAdapter struct {
	Adapter
	name string
}

func (s stubAdapter) Name() string { return s.name }

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubAdapter{name: "vercel"})
	reg.Register(stubAdapter{name: "netlify"})

	cases := []struct {
		lookup string
		want   string
	}{
		{"vercel", "vercel"},
		{"Vercel", "vercel"},
		{"  NETLIFY  ", "netlify"},
	}
	for _, tc := range cases {
		a, err := reg.Resolve(tc.lookup)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.lookup, err)
		}
		if a.Name() != tc.want {
			t.Fatalf("Resolve(%q) = %q, want %q", tc.lookup, a.Name(), tc.want)
		}
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("heroku")
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	if !domain.HasCode(err, domain.CodeUnknownProvider) {
		t.Fatalf("expected unknown_provider code, got %v", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubAdapter{name: "render"})
	reg.Register(stubAdapter{name: "netlify"})
	reg.Register(stubAdapter{name: "vercel"})

	names := reg.Names()
	want := []string{"netlify", "render", "vercel"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: 1}
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ConfigurationError("bad token", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestRetryPolicyRetriesTransient(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: 1}
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.TransientProviderError("flaky upstream", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicyExhaustsTransient(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, BaseDelay: 1}
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.TransientProviderError("still down", nil)
	})
	if err == nil {
		t.Fatal("expected exhausted retries to surface the error")
	}
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
