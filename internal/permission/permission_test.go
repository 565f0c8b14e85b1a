package permission

import (
	"context"
	"testing"
	"time"
)

func TestAutoPolicy_Decide(t *testing.T) {
	tests := []struct {
		name       string
		options    []Option
		wantID     string
		wantCancel bool
	}{
		{
			name: "prefers allow kind over earlier reject",
			options: []Option{
				{ID: "a", Kind: "reject"},
				{ID: "b", Kind: "allow_always"},
			},
			wantID: "b",
		},
		{
			name: "allow_once matches allow prefix",
			options: []Option{
				{ID: "r", Kind: "reject_once"},
				{ID: "o", Kind: "allow_once"},
				{ID: "a", Kind: "allow_always"},
			},
			wantID: "o",
		},
		{
			name: "falls back to first option when nothing allows",
			options: []Option{
				{ID: "x", Kind: "reject_once"},
				{ID: "y", Kind: "reject_always"},
			},
			wantID: "x",
		},
		{
			name:       "empty option set cancels",
			options:    nil,
			wantCancel: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := AutoPolicy{}.Decide(context.Background(), Request{Options: tt.options})
			if d.Cancelled != tt.wantCancel {
				t.Errorf("Cancelled = %v, want %v", d.Cancelled, tt.wantCancel)
			}
			if d.SelectedID != tt.wantID {
				t.Errorf("SelectedID = %q, want %q", d.SelectedID, tt.wantID)
			}
		})
	}
}

// slowPolicy decides far past any reasonable deadline; used to exercise the
// timeout path.
type slowPolicy struct{}

func (slowPolicy) Decide(ctx context.Context, _ Request) Decision {
	time.Sleep(10 * time.Second)
	return Decision{SelectedID: "late"}
}

func TestBounded_Timeout(t *testing.T) {
	b := Bounded{Inner: slowPolicy{}, Timeout: 50 * time.Millisecond}

	start := time.Now()
	d := b.Decide(context.Background(), Request{Options: []Option{{ID: "a", Kind: "allow_once"}}})
	if !d.Cancelled {
		t.Error("timed-out decision should be cancelled")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("decision took %v, want bounded by timeout", elapsed)
	}
}

// panicPolicy exercises the panic shield.
type panicPolicy struct{}

func (panicPolicy) Decide(context.Context, Request) Decision {
	panic("policy bug")
}

func TestBounded_PanicIsCancellation(t *testing.T) {
	b := Bounded{Inner: panicPolicy{}, Timeout: time.Second}
	d := b.Decide(context.Background(), Request{})
	if !d.Cancelled {
		t.Error("panicking policy should yield cancellation")
	}
}

func TestBounded_PassesThrough(t *testing.T) {
	b := Bounded{Inner: AutoPolicy{}, Timeout: time.Second}
	d := b.Decide(context.Background(), Request{Options: []Option{{ID: "ok", Kind: "allow_once"}}})
	if d.SelectedID != "ok" || d.Cancelled {
		t.Errorf("decision = %+v, want selected ok", d)
	}
}
