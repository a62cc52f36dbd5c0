package engine

import (
	"testing"
	"time"

	"github.com/danshapiro/roundtable/internal/roundtable/rolespec"
)

func TestResolveTimeouts_PlannerVsDefault(t *testing.T) {
	cfg := &Config{
		IdleTimeoutDefaultS:    120,
		OverallTimeoutDefaultS: 900,
		IdleTimeoutPlannerS:    180,
		OverallTimeoutPlannerS: 1200,
		HandshakeTimeoutS:      15,
	}
	planner := &rolespec.Spec{Behaviors: rolespec.Behaviors{TimeoutPolicy: rolespec.TimeoutPlanner}}
	other := &rolespec.Spec{Behaviors: rolespec.Behaviors{TimeoutPolicy: rolespec.TimeoutDefault}}

	got := resolveTimeouts(cfg, planner)
	if got.Idle != 180*time.Second || got.Overall != 1200*time.Second || got.Handshake != 15*time.Second {
		t.Fatalf("planner: %+v", got)
	}
	got = resolveTimeouts(cfg, other)
	if got.Idle != 120*time.Second || got.Overall != 900*time.Second {
		t.Fatalf("default: %+v", got)
	}
	// A nil spec falls back to the default tuple.
	got = resolveTimeouts(cfg, nil)
	if got.Idle != 120*time.Second {
		t.Fatalf("nil spec: %+v", got)
	}
}

func TestResolveTimeouts_ClampsBounds(t *testing.T) {
	cfg := &Config{
		IdleTimeoutDefaultS:    0,
		OverallTimeoutDefaultS: 0,
		IdleTimeoutPlannerS:    4000,
		OverallTimeoutPlannerS: 5000,
		HandshakeTimeoutS:      0,
	}
	got := resolveTimeouts(cfg, nil)
	if got.Idle != 1*time.Second || got.Overall != 1*time.Second || got.Handshake != 15*time.Second {
		t.Fatalf("clamped default: %+v", got)
	}
	planner := &rolespec.Spec{Behaviors: rolespec.Behaviors{TimeoutPolicy: rolespec.TimeoutPlanner}}
	got = resolveTimeouts(cfg, planner)
	if got.Overall != 3600*time.Second {
		t.Fatalf("overall cap: %+v", got)
	}
}
