package bubble

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
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

func TestValidateAcceptsValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMatchingBranches(t *testing.T) {
	c := validConfig()
	c.BubbleBranch = c.BaseBranch
	require.Error(t, c.Validate())
}

func TestValidateRejectsSameAgent(t *testing.T) {
	c := validConfig()
	c.Agents.Reviewer = c.Agents.Implementer
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownAgent(t *testing.T) {
	c := validConfig()
	c.Agents.Implementer = "not-a-real-agent"
	require.Error(t, c.Validate())
}

func TestValidateRejectsOpenCommandWithoutPlaceholder(t *testing.T) {
	c := validConfig()
	c.OpenCommand = "code ."
	require.Error(t, c.Validate())
}

func TestValidateAcceptsOpenCommandWithPlaceholder(t *testing.T) {
	c := validConfig()
	c.OpenCommand = "code {{worktree_path}}"
	require.NoError(t, c.Validate())
}

func TestValidateLocalOverlayRejectsEscapingEntry(t *testing.T) {
	c := validConfig()
	c.LocalOverlay = &LocalOverlay{Enabled: true, Mode: OverlayModeSymlink, Entries: []string{"../outside"}}
	require.Error(t, c.Validate())
}

func TestValidateLocalOverlayAcceptsRelativeEntry(t *testing.T) {
	c := validConfig()
	c.LocalOverlay = &LocalOverlay{Enabled: true, Mode: OverlayModeCopy, Entries: []string{".env.local"}}
	require.NoError(t, c.Validate())
}

func TestEncodeDecodeTOMLRoundTrip(t *testing.T) {
	c := validConfig()
	data, err := EncodeTOML(c)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "id = \"b1\"\n"))
	assert.Contains(t, string(data), "[agents]\n")

	decoded, err := DecodeTOML(data)
	require.NoError(t, err)
	assert.Equal(t, c.ID, decoded.ID)
	assert.Equal(t, c.Agents, decoded.Agents)
}

func TestDecodeTOMLRejectsUnknownKey(t *testing.T) {
	data := []byte("id = \"b1\"\nbogus_key = \"x\"\n")
	_, err := DecodeTOML(data)
	require.Error(t, err)
}

func TestValidateInstanceIDPattern(t *testing.T) {
	require.NoError(t, ValidateInstanceID("bi_abc123_0123456789abcdef0123"))
	require.Error(t, ValidateInstanceID("short"))
}
