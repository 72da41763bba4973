package health

import (
	"context"
	"sync"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAggregation(t *testing.T) {
	r := NewRegistry()
	r.Register("authorization_engine", func(_ context.Context) Status {
		return Status{Name: "authorization_engine", Healthy: true}
	})
	r.Register("key_management", func(_ context.Context) Status {
		return Status{Name: "key_management", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	// Checkers report in registration order.
	if statuses[0].Name != "authorization_engine" || statuses[1].Name != "key_management" {
		t.Errorf("unexpected status order: %v", statuses)
	}

	r.Register("custody_mpc", func(_ context.Context) Status {
		return Status{Name: "custody_mpc", Healthy: false, Detail: "shares unavailable"}
	})

	healthy, statuses = r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one unhealthy checker should make the aggregate unhealthy")
	}
	if statuses[2].Detail != "shares unavailable" {
		t.Fatalf("expected detail 'shares unavailable', got %q", statuses[2].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
