package okx

import (
	"errors"
	"testing"
)

func TestCorrelatorResolvesRegisteredRequest(t *testing.T) {
	c := newCorrelator()
	ch, err := c.register("req-1")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if !c.resolve(wsRequestResult{ID: "req-1", Op: opOrder, Code: "0"}) {
		t.Fatalf("resolve() = false for pending id")
	}
	res := <-ch
	if res.err != nil {
		t.Fatalf("result err = %v", res.err)
	}
	if res.res.Op != opOrder {
		t.Fatalf("result op = %q, want %q", res.res.Op, opOrder)
	}
}

func TestCorrelatorRejectsDuplicateID(t *testing.T) {
	c := newCorrelator()
	if _, err := c.register("req-1"); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if _, err := c.register("req-1"); err == nil {
		t.Fatalf("register() accepted a duplicate id")
	}
}

func TestCorrelatorDropsLateResult(t *testing.T) {
	c := newCorrelator()
	if c.resolve(wsRequestResult{ID: "never-registered"}) {
		t.Fatalf("resolve() = true for unknown id")
	}
	ch, err := c.register("req-1")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	c.drop("req-1")
	if c.resolve(wsRequestResult{ID: "req-1"}) {
		t.Fatalf("resolve() = true after drop")
	}
	select {
	case res := <-ch:
		t.Fatalf("unexpected delivery after drop: %+v", res)
	default:
	}
}

func TestCorrelatorFailAll(t *testing.T) {
	c := newCorrelator()
	ch1, _ := c.register("req-1")
	ch2, _ := c.register("req-2")

	cause := errors.New("connection lost")
	c.failAll(cause)

	for _, ch := range []<-chan correlationResult{ch1, ch2} {
		res := <-ch
		if !errors.Is(res.err, cause) {
			t.Fatalf("result err = %v, want %v", res.err, cause)
		}
	}

	// The pending table is fresh after failAll; the same ids register again.
	if _, err := c.register("req-1"); err != nil {
		t.Fatalf("register() after failAll error = %v", err)
	}
}
