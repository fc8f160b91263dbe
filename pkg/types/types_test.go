package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStateIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		state    JobState
		expected bool
	}{
		{"gathering", JobGathering, false},
		{"pending", JobPending, false},
		{"running", JobRunning, false},
		{"halted", JobHalted, true},
		{"finished", JobFinished, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.IsTerminal())
		})
	}
}

func TestHostStateIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		state    HostState
		expected bool
	}{
		{"waiting", HostWaiting, false},
		{"ready", HostReady, false},
		{"running", HostRunning, false},
		{"finished", HostFinished, true},
		{"failed", HostFailed, true},
		{"skipped", HostSkipped, true},
		{"deadlocked", HostDeadlocked, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.IsTerminal())
		})
	}
}

func TestConcurrentResolve(t *testing.T) {
	tests := []struct {
		name       string
		concurrent Concurrent
		totalHosts int
		expected   int
	}{
		{"absolute count", Concurrent{Count: 4}, 10, 4},
		{"zero count defaults to 1", Concurrent{Count: 0}, 10, 1},
		{"50 percent of 10", Concurrent{IsPct: true, Percent: 50}, 10, 5},
		{"10 percent of 3 rounds up", Concurrent{IsPct: true, Percent: 10}, 3, 1},
		{"100 percent of 7", Concurrent{IsPct: true, Percent: 100}, 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.concurrent.Resolve(tt.totalHosts))
		})
	}
}

func TestNamespaceEffectivePolicy(t *testing.T) {
	assert.Equal(t, OnPredecessorDeadlock, Namespace{}.EffectivePolicy())
	ns := Namespace{OnPredecessorFailure: OnPredecessorSkip}
	assert.Equal(t, OnPredecessorSkip, ns.EffectivePolicy())
}

func TestNamespaceHasTag(t *testing.T) {
	ns := Namespace{Hosts: map[string][]string{"db1.example.com": {"db", "prod"}}}
	assert.True(t, ns.HasTag("db1.example.com", "db"))
	assert.False(t, ns.HasTag("db1.example.com", "web"))
	assert.False(t, ns.HasTag("unknown.example.com", "db"))
}
