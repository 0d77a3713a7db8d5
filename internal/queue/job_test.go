package queue

import (
	"testing"
	"time"
)

func TestPriority_Band(t *testing.T) {
	cases := []struct {
		p    Priority
		want Band
	}{
		{PriorityUrgent, BandPrioritized},
		{PriorityHigh, BandPrioritized},
		{PriorityNormal, BandWaiting},
		{PriorityLow, BandWaiting},
	}
	for _, c := range cases {
		if got := c.p.Band(); got != c.want {
			t.Errorf("%s.Band() = %s, want %s", c.p, got, c.want)
		}
	}
}

func TestComputeHealth_StalledActiveJob(t *testing.T) {
	now := time.Now()
	j := &Job{State: StateActive, StartedAt: now.Add(-2 * time.Minute)}
	got := ComputeHealth(j, now, 60*time.Second)
	if got != HealthStalled {
		t.Errorf("ComputeHealth() = %s, want %s", got, HealthStalled)
	}
}

func TestComputeHealth_HealthyActiveJob(t *testing.T) {
	now := time.Now()
	j := &Job{State: StateActive, StartedAt: now.Add(-5 * time.Second)}
	got := ComputeHealth(j, now, 60*time.Second)
	if got != HealthHealthy {
		t.Errorf("ComputeHealth() = %s, want %s", got, HealthHealthy)
	}
}

func TestComputeHealth_RecoveredOnRetriedCompletion(t *testing.T) {
	j := &Job{State: StateCompleted, AttemptsMade: 2}
	got := ComputeHealth(j, time.Now(), 60*time.Second)
	if got != HealthRecovered {
		t.Errorf("ComputeHealth() = %s, want %s", got, HealthRecovered)
	}
}

func TestComputeHealth_HealthyOnFirstAttemptCompletion(t *testing.T) {
	j := &Job{State: StateCompleted, AttemptsMade: 1}
	got := ComputeHealth(j, time.Now(), 60*time.Second)
	if got != HealthHealthy {
		t.Errorf("ComputeHealth() = %s, want %s", got, HealthHealthy)
	}
}

func TestComputeHealth_HealthyForWaitingAndDelayed(t *testing.T) {
	for _, s := range []State{StateWaiting, StateDelayed} {
		j := &Job{State: s}
		if got := ComputeHealth(j, time.Now(), time.Minute); got != HealthHealthy {
			t.Errorf("ComputeHealth(%s) = %s, want %s", s, got, HealthHealthy)
		}
	}
}

func TestComputeHealth_UnknownForTerminalFailure(t *testing.T) {
	j := &Job{State: StateFailedTerminal}
	got := ComputeHealth(j, time.Now(), time.Minute)
	if got != HealthUnknown {
		t.Errorf("ComputeHealth() = %s, want %s", got, HealthUnknown)
	}
}

func TestComputeHealth_NilJobIsUnknown(t *testing.T) {
	if got := ComputeHealth(nil, time.Now(), time.Minute); got != HealthUnknown {
		t.Errorf("ComputeHealth(nil) = %s, want %s", got, HealthUnknown)
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := map[State]bool{
		StateWaiting:        false,
		StateDelayed:        false,
		StateActive:         false,
		StateCompleted:      true,
		StateFailedTerminal: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
