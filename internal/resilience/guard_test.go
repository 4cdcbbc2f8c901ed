package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachai/coach/internal/resilience"
	gatewaymock "github.com/coachai/coach/pkg/gateway/mock"
	"github.com/coachai/coach/pkg/store"
	storemock "github.com/coachai/coach/pkg/store/mock"
)

func TestGuardDialer_OpensAfterFailures(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("401 unauthorized")
	d := &gatewaymock.Dialer{DialErr: dialErr}
	cb := resilience.New(resilience.Config{Name: "realtime", MaxFailures: 2, ResetTimeout: time.Hour})
	guarded := resilience.GuardDialer(d, cb)

	for range 2 {
		if _, err := guarded.Dial(context.Background()); !errors.Is(err, dialErr) {
			t.Fatalf("Dial = %v; want dial error", err)
		}
	}
	if _, err := guarded.Dial(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Dial = %v; want ErrCircuitOpen", err)
	}
	if n := d.Calls(); n != 2 {
		t.Errorf("underlying Dial called %d times; want 2", n)
	}
}

func TestGuardDialer_PassesSession(t *testing.T) {
	t.Parallel()
	sess := gatewaymock.NewSession()
	guarded := resilience.GuardDialer(&gatewaymock.Dialer{Session: sess}, resilience.New(resilience.Config{}))

	got, err := guarded.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got != sess {
		t.Error("Dial did not return the underlying session")
	}
}

func TestGuardSink(t *testing.T) {
	t.Parallel()
	sink := &storemock.Sink{InsertErr: errors.New("db down")}
	cb := resilience.New(resilience.Config{Name: "store", MaxFailures: 1, ResetTimeout: time.Hour})
	guarded := resilience.GuardSink(sink, cb)

	rec := store.Record{UserID: "u-1", Role: "user", Content: "hi"}
	if err := guarded.Insert(context.Background(), rec); err == nil {
		t.Fatal("expected insert error")
	}
	if err := guarded.Insert(context.Background(), rec); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Insert = %v; want ErrCircuitOpen", err)
	}
	if n := sink.Calls(); n != 1 {
		t.Errorf("underlying Insert called %d times; want 1", n)
	}
}
