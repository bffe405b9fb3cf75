package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_UsesPrimaryFirst(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "b")

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(called) != 1 || called[0] != "a" {
		t.Errorf("called = %v, want [a]", called)
	}
	if names := fg.Names(); len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("Names = %v", names)
	}
}

func TestFallbackGroup_FailsOver(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "b")

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "a" {
			return "", errTest
		}
		return "from " + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from b" {
		t.Errorf("got %q, want from b", got)
	}
}

func TestFallbackGroup_AllFailKeepsLastError(t *testing.T) {
	t.Parallel()
	errLast := errors.New("secondary down")
	fg := NewFallbackGroup("a", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "b")

	err := fg.Execute(func(v string) error {
		if v == "a" {
			return errTest
		}
		return errLast
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errLast) {
		t.Errorf("err = %v, want last error in chain", err)
	}
}

func TestFallbackGroup_SkipsOpenEntry(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "b")

	calls := map[string]int{}
	fn := func(v string) error {
		calls[v]++
		if v == "a" {
			return errTest
		}
		return nil
	}
	_ = fg.Execute(fn)
	_ = fg.Execute(fn)

	if calls["a"] != 1 {
		t.Errorf("primary calls = %d, want 1 (skipped once open)", calls["a"])
	}
	if calls["b"] != 2 {
		t.Errorf("secondary calls = %d, want 2", calls["b"])
	}
	if st := fg.States(); st["primary"] != StateOpen || st["secondary"] != StateClosed {
		t.Errorf("States = %v", st)
	}
}
