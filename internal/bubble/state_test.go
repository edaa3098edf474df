package bubble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stateCfg() *Config {
	return &Config{
		ID: "b1", RepoPath: "/repo", BaseBranch: "main", BubbleBranch: "bubble/b1",
		WorkMode: WorkModeWorktree, QualityMode: QualityModeStrict,
		ReviewerContextMode:    ReviewerContextFresh,
		WatchdogTimeoutMinutes: 30,
		MaxRounds:              10,
		Agents:                 Agents{Implementer: "claude", Reviewer: "codex"},
		Commands:               Commands{Test: "go test ./...", Typecheck: "go vet ./..."},
	}
}

func TestSnapshotValidateSetupState(t *testing.T) {
	s := &Snapshot{BubbleID: "b1", State: StateCreated, Round: 0}
	require.NoError(t, s.Validate(stateCfg()))
}

func TestSnapshotValidateRejectsActiveFieldsInSetup(t *testing.T) {
	agent := AgentName("claude")
	s := &Snapshot{BubbleID: "b1", State: StateCreated, Round: 0, ActiveAgent: &agent}
	require.Error(t, s.Validate(stateCfg()))
}

func TestSnapshotValidateRunningRequiresActiveFields(t *testing.T) {
	s := &Snapshot{BubbleID: "b1", State: StateRunning, Round: 1}
	require.Error(t, s.Validate(stateCfg()))
}

func TestSnapshotValidateActiveAgentMustMatchConfig(t *testing.T) {
	now := time.Now()
	wrongAgent := AgentName("codex")
	role := RoleImplementer
	s := &Snapshot{
		BubbleID: "b1", State: StateRunning, Round: 1,
		ActiveAgent: &wrongAgent, ActiveRole: &role, ActiveSince: &now,
		RoundRoleHistory: []RoundRoleEntry{{Round: 1, Implementer: "claude", Reviewer: "codex", SwitchedAt: now}},
	}
	require.Error(t, s.Validate(stateCfg()))
}

func TestSnapshotValidateRoundRoleHistoryMustCoverAllRounds(t *testing.T) {
	now := time.Now()
	agent := AgentName("claude")
	role := RoleImplementer
	s := &Snapshot{
		BubbleID: "b1", State: StateRunning, Round: 2,
		ActiveAgent: &agent, ActiveRole: &role, ActiveSince: &now,
		RoundRoleHistory: []RoundRoleEntry{{Round: 1, Implementer: "claude", Reviewer: "codex", SwitchedAt: now}},
	}
	require.Error(t, s.Validate(stateCfg()))
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	now := time.Now()
	agent := AgentName("claude")
	s := &Snapshot{BubbleID: "b1", State: StateCreated, Round: 0, RoundRoleHistory: []RoundRoleEntry{{Round: 1, SwitchedAt: now}}}
	clone := s.Clone()
	clone.RoundRoleHistory[0].Round = 99
	clone.ActiveAgent = &agent
	require.Equal(t, 1, s.RoundRoleHistory[0].Round)
	require.Nil(t, s.ActiveAgent)
}
