package tenant

import (
	"encoding/json"
	"testing"
)

func TestStatusRank(t *testing.T) {
	tests := []struct {
		status Status
		want   int
	}{
		{StatusCreating, 0},
		{StatusValidatingWorker, 1},
		{StatusFinalizing, 6},
		{StatusActive, 7},
		{StatusFailed, -1},
		{Status("bogus"), -1},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Rank(); got != tt.want {
				t.Errorf("Rank() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"forward one step", StatusCreating, StatusValidatingWorker, true},
		{"forward skipping", StatusValidatingWorker, StatusDeployingWorker, true},
		{"backward", StatusDeployingWorker, StatusConfiguringPayments, false},
		{"same status", StatusCreatingAdmin, StatusCreatingAdmin, false},
		{"into failed", StatusConfiguringPayments, StatusFailed, true},
		{"failed to failed", StatusFailed, StatusFailed, false},
		{"resume from failed", StatusFailed, StatusDeployingWorker, true},
		{"active is absorbing", StatusActive, StatusFailed, false},
		{"active stays", StatusActive, StatusFinalizing, false},
		{"finalizing to active", StatusFinalizing, StatusActive, true},
		{"unknown target", StatusCreating, Status("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestScheduleJSON(t *testing.T) {
	var s Schedule
	if err := json.Unmarshal([]byte(`{"enabled":true,"times":["09:00","21:30"]}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.Enabled {
		t.Error("expected enabled")
	}
	if len(s.Times) != 2 || s.Times[1] != "21:30" {
		t.Errorf("Times = %v", s.Times)
	}
}
