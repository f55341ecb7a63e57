package lro

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sagemathinc/project-host/internal/core"
)

func waitStatus(t *testing.T, rt *Runtime, id string, want Status) Summary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sum, err := rt.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if sum.Status == want {
			return sum
		}
		if Terminal(sum.Status) && sum.Status != want {
			t.Fatalf("operation settled at %s, want %s (error %q)", sum.Status, want, sum.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation never reached %s", want)
	return Summary{}
}

func TestRuntime_SubmitRunsToSuccess(t *testing.T) {
	rt := NewRuntime()
	rt.Register("echo", func(_ context.Context, op *Handle) (any, error) {
		op.Progress("working")
		return op.Input(), nil
	})

	sum, err := rt.Submit(context.Background(), SubmitRequest{
		Kind:      "echo",
		Scope:     Scope{Type: ScopeProject, ID: "p1"},
		Input:     map[string]any{"x": 1},
		CreatedBy: "account-1",
		Owner:     Scope{Type: ScopeAccount, ID: "account-1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sum.OpID == "" || sum.Status != StatusQueued || sum.Attempt != 1 {
		t.Fatalf("unexpected initial summary: %+v", sum)
	}

	final := waitStatus(t, rt, sum.OpID, StatusSucceeded)
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Error("expected started_at and finished_at to be set")
	}
	if final.Result == nil {
		t.Error("expected the runner result to be recorded")
	}
	if final.Error != "" {
		t.Errorf("unexpected error %q", final.Error)
	}
	if final.CreatedBy != "account-1" || final.OwnerType != ScopeAccount {
		t.Errorf("ownership not carried: %+v", final)
	}
}

func TestRuntime_RunnerFailureBecomesFailed(t *testing.T) {
	rt := NewRuntime()
	rt.Register("boom", func(context.Context, *Handle) (any, error) {
		return nil, errors.New("disk on fire")
	})

	sum, err := rt.Submit(context.Background(), SubmitRequest{
		Kind: "boom", Scope: Scope{Type: ScopeHost, ID: "h1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitStatus(t, rt, sum.OpID, StatusFailed)
	if final.Error != "disk on fire" {
		t.Errorf("got error %q", final.Error)
	}
}

func TestRuntime_CancelBeatsSlowRunner(t *testing.T) {
	started := make(chan struct{})
	returned := make(chan struct{})
	rt := NewRuntime()
	rt.Register("slow", func(ctx context.Context, _ *Handle) (any, error) {
		close(started)
		<-ctx.Done()
		close(returned)
		return "late result", nil
	})

	sum, err := rt.Submit(context.Background(), SubmitRequest{
		Kind: "slow", Scope: Scope{Type: ScopeProject, ID: "p1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := rt.Cancel(sum.OpID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := rt.Get(sum.OpID)
	if got.Status != StatusCanceled {
		t.Fatalf("status after cancel = %s, want canceled", got.Status)
	}

	// The runner's late return must not overwrite the committed
	// terminal state.
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never observed cancellation")
	}
	time.Sleep(20 * time.Millisecond)
	got, _ = rt.Get(sum.OpID)
	if got.Status != StatusCanceled || got.Result != nil {
		t.Errorf("late runner return overwrote cancel: %+v", got)
	}
}

func TestRuntime_CancelAfterTerminalIsNoop(t *testing.T) {
	rt := NewRuntime()
	rt.Register("instant", func(context.Context, *Handle) (any, error) { return 42, nil })

	sum, err := rt.Submit(context.Background(), SubmitRequest{
		Kind: "instant", Scope: Scope{Type: ScopeProject, ID: "p1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, rt, sum.OpID, StatusSucceeded)

	if err := rt.Cancel(sum.OpID); err != nil {
		t.Fatalf("Cancel on terminal op: %v", err)
	}
	got, _ := rt.Get(sum.OpID)
	if got.Status != StatusSucceeded {
		t.Errorf("cancel demoted a terminal status to %s", got.Status)
	}
}

func TestRuntime_SubmitValidation(t *testing.T) {
	rt := NewRuntime()
	rt.Register("ok", func(context.Context, *Handle) (any, error) { return nil, nil })

	cases := map[string]SubmitRequest{
		"unknown kind":  {Kind: "nope", Scope: Scope{Type: ScopeProject, ID: "p"}},
		"empty scope":   {Kind: "ok", Scope: Scope{Type: ScopeProject}},
		"bad scopetype": {Kind: "ok", Scope: Scope{Type: "cluster", ID: "x"}},
	}
	for name, req := range cases {
		if _, err := rt.Submit(context.Background(), req); err == nil {
			t.Errorf("%s: expected an error", name)
		} else {
			var invalid *core.ErrInvalidInput
			if !errors.As(err, &invalid) {
				t.Errorf("%s: got %T, want ErrInvalidInput", name, err)
			}
		}
	}
}

func TestRuntime_GetUnknown(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Get("missing")
	var notFound *core.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := rt.Cancel("missing"); !errors.As(err, &notFound) {
		t.Fatalf("Cancel: got %v, want ErrNotFound", err)
	}
}

func TestRuntime_ListFiltersScopeAndCompletion(t *testing.T) {
	rt := NewRuntime()
	block := make(chan struct{})
	defer close(block)
	rt.Register("hang", func(ctx context.Context, _ *Handle) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	rt.Register("instant", func(context.Context, *Handle) (any, error) { return nil, nil })

	p1 := Scope{Type: ScopeProject, ID: "p1"}
	p2 := Scope{Type: ScopeProject, ID: "p2"}

	live, err := rt.Submit(context.Background(), SubmitRequest{Kind: "hang", Scope: p1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done, err := rt.Submit(context.Background(), SubmitRequest{Kind: "instant", Scope: p1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := rt.Submit(context.Background(), SubmitRequest{Kind: "hang", Scope: p2}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, rt, done.OpID, StatusSucceeded)

	active := rt.List(p1, false)
	if len(active) != 1 || active[0].OpID != live.OpID {
		t.Errorf("List(active) = %d ops, want just the live one", len(active))
	}
	all := rt.List(p1, true)
	if len(all) != 2 {
		t.Errorf("List(all) = %d ops, want 2", len(all))
	}
	for _, sum := range all {
		if sum.ScopeID != "p1" {
			t.Errorf("foreign scope leaked into list: %+v", sum)
		}
	}
}

func TestRuntime_RestartIncrementsAttempt(t *testing.T) {
	rt := NewRuntime()
	calls := 0
	rt.Register("flaky", func(context.Context, *Handle) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	sum, err := rt.Submit(context.Background(), SubmitRequest{
		Kind: "flaky", Scope: Scope{Type: ScopeHost, ID: "h1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, rt, sum.OpID, StatusFailed)

	restarted, err := rt.Restart(context.Background(), sum.OpID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", restarted.Attempt)
	}
	if restarted.Error != "" || restarted.FinishedAt != nil {
		t.Errorf("restart did not reset terminal fields: %+v", restarted)
	}
	final := waitStatus(t, rt, sum.OpID, StatusSucceeded)
	if final.Attempt != 2 {
		t.Errorf("final attempt = %d, want 2", final.Attempt)
	}

	// Succeeded operations stay finished.
	if _, err := rt.Restart(context.Background(), sum.OpID); err == nil {
		t.Error("expected restart of a succeeded op to fail")
	}
}

func TestRuntime_SweepExpiresAndEvicts(t *testing.T) {
	now := time.Now()
	clock := &now
	rt := NewRuntime(
		WithTTL(time.Minute),
		WithRetention(time.Hour),
		WithClock(func() time.Time { return *clock }),
	)
	block := make(chan struct{})
	defer close(block)
	rt.Register("hang", func(ctx context.Context, _ *Handle) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	sum, err := rt.Submit(context.Background(), SubmitRequest{
		Kind: "hang", Scope: Scope{Type: ScopeProject, ID: "p1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Not yet expired: the sweep leaves it alone.
	rt.sweep()
	if got, _ := rt.Get(sum.OpID); Terminal(got.Status) {
		t.Fatalf("sweep expired a fresh op: %s", got.Status)
	}

	// Past its TTL: the sweep forces expired.
	*clock = now.Add(2 * time.Minute)
	rt.sweep()
	got, err := rt.Get(sum.OpID)
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// Past retention: the record is evicted entirely.
	*clock = now.Add(2 * time.Hour)
	rt.sweep()
	if _, err := rt.Get(sum.OpID); err == nil {
		t.Error("expected the expired record to be evicted")
	}
}

func TestRuntime_Counts(t *testing.T) {
	rt := NewRuntime()
	block := make(chan struct{})
	defer close(block)
	rt.Register("hang", func(ctx context.Context, _ *Handle) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	rt.Register("instant", func(context.Context, *Handle) (any, error) { return nil, nil })

	live, _ := rt.Submit(context.Background(), SubmitRequest{Kind: "hang", Scope: Scope{Type: ScopeProject, ID: "p"}})
	done, _ := rt.Submit(context.Background(), SubmitRequest{Kind: "instant", Scope: Scope{Type: ScopeProject, ID: "p"}})
	waitStatus(t, rt, done.OpID, StatusSucceeded)
	waitStatus(t, rt, live.OpID, StatusRunning)

	counts := rt.Counts()
	if counts[StatusRunning] != 1 || counts[StatusSucceeded] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
