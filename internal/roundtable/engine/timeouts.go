package engine

import (
	"time"

	"github.com/danshapiro/roundtable/internal/roundtable/rolespec"
)

// Timeouts is the resolved budget for one turn.
type Timeouts struct {
	Handshake time.Duration
	Idle      time.Duration
	Overall   time.Duration
}

// resolveTimeouts picks the applicable tuple for a role from configuration:
// planner policy roles get the planner tuple, everything else the default.
// Bounds are clamped defensively even though Validate enforces them.
func resolveTimeouts(cfg *Config, spec *rolespec.Spec) Timeouts {
	idle := cfg.IdleTimeoutDefaultS
	overall := cfg.OverallTimeoutDefaultS
	if spec != nil && spec.Behaviors.TimeoutPolicy == rolespec.TimeoutPlanner {
		idle = cfg.IdleTimeoutPlannerS
		overall = cfg.OverallTimeoutPlannerS
	}
	if idle < 1 {
		idle = 1
	}
	if overall < idle {
		overall = idle
	}
	if overall > 3600 {
		overall = 3600
	}
	if idle > overall {
		idle = overall
	}
	handshake := cfg.HandshakeTimeoutS
	if handshake < 1 {
		handshake = 15
	}
	return Timeouts{
		Handshake: time.Duration(handshake) * time.Second,
		Idle:      time.Duration(idle) * time.Second,
		Overall:   time.Duration(overall) * time.Second,
	}
}
