package external

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// The fakes below embed mock.Mock, mirroring the teacher's
// mockGitHubClient pattern: every call is recorded so ProtocolCommands
// tests can assert exact external side-effect ordering (§5's "sequence
// the external work before appending the envelope" rule).

type MockWorkspaceManager struct{ mock.Mock }

var _ WorkspaceManager = (*MockWorkspaceManager)(nil)

func (m *MockWorkspaceManager) Bootstrap(ctx context.Context, in BootstrapInput) (BootstrapResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return BootstrapResult{}, args.Error(1)
	}
	return args.Get(0).(BootstrapResult), args.Error(1)
}

func (m *MockWorkspaceManager) Cleanup(ctx context.Context, in CleanupInput) (CleanupResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return CleanupResult{}, args.Error(1)
	}
	return args.Get(0).(CleanupResult), args.Error(1)
}

type MockVCSRunner struct{ mock.Mock }

var _ VCSRunner = (*MockVCSRunner)(nil)

func (m *MockVCSRunner) Run(ctx context.Context, args []string, opts RunOptions) (RunResult, error) {
	callArgs := m.Called(ctx, args, opts)
	if callArgs.Get(0) == nil {
		return RunResult{}, callArgs.Error(1)
	}
	return callArgs.Get(0).(RunResult), callArgs.Error(1)
}

type MockTmuxManager struct{ mock.Mock }

var _ TmuxManager = (*MockTmuxManager)(nil)

func (m *MockTmuxManager) Launch(ctx context.Context, sessionName, workDir, command string) error {
	return m.Called(ctx, sessionName, workDir, command).Error(0)
}

func (m *MockTmuxManager) Terminate(ctx context.Context, sessionName string) error {
	return m.Called(ctx, sessionName).Error(0)
}

func (m *MockTmuxManager) RespawnPane(ctx context.Context, sessionName, command string) error {
	return m.Called(ctx, sessionName, command).Error(0)
}

func (m *MockTmuxManager) SendInput(ctx context.Context, sessionName, input string) error {
	return m.Called(ctx, sessionName, input).Error(0)
}

func (m *MockTmuxManager) SessionAlive(ctx context.Context, sessionName string) (bool, error) {
	args := m.Called(ctx, sessionName)
	return args.Bool(0), args.Error(1)
}

type MockRuntimeSessionRegistry struct{ mock.Mock }

var _ RuntimeSessionRegistry = (*MockRuntimeSessionRegistry)(nil)

func (m *MockRuntimeSessionRegistry) Read(ctx context.Context, bubbleID string) (RuntimeSession, bool, error) {
	args := m.Called(ctx, bubbleID)
	if args.Get(0) == nil {
		return RuntimeSession{}, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(RuntimeSession), args.Bool(1), args.Error(2)
}

func (m *MockRuntimeSessionRegistry) Upsert(ctx context.Context, bubbleID string, session RuntimeSession) error {
	return m.Called(ctx, bubbleID, session).Error(0)
}

func (m *MockRuntimeSessionRegistry) Remove(ctx context.Context, bubbleID string) error {
	return m.Called(ctx, bubbleID).Error(0)
}

type MockNotificationSink struct{ mock.Mock }

var _ NotificationSink = (*MockNotificationSink)(nil)

func (m *MockNotificationSink) Emit(ctx context.Context, bubbleID string, kind NotificationKind) NotificationResult {
	args := m.Called(ctx, bubbleID, kind)
	if args.Get(0) == nil {
		return NotificationResult{}
	}
	return args.Get(0).(NotificationResult)
}

type MockArchiveSnapshotter struct{ mock.Mock }

var _ ArchiveSnapshotter = (*MockArchiveSnapshotter)(nil)

func (m *MockArchiveSnapshotter) Snapshot(ctx context.Context, in ArchiveSnapshotInput) (ArchiveManifest, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return ArchiveManifest{}, args.Error(1)
	}
	return args.Get(0).(ArchiveManifest), args.Error(1)
}
