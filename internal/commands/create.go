package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/idgen"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

var bubbleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// CreateInput is the create command's argument (§4.8.1).
type CreateInput struct {
	ID           string
	RepoPath     string
	BaseBranch   string
	BubbleBranch string
	Task         string
	Agents       bubble.Agents
	Commands     bubble.Commands
	WorkMode     bubble.WorkMode

	WatchdogTimeoutMinutes int
	MaxRounds              int
}

// Create implements §4.8.1: write bubble.toml, the initial state, the
// first TASK envelope, and artifacts/task.md, all before any lock is
// shared with another command (the bubble directory does not exist until
// this call returns).
func (c *Commands) Create(in CreateInput) (*bubblectx.Resolved, *Result, error) {
	if !bubbleIDPattern.MatchString(in.ID) {
		return nil, nil, corerr.New(corerr.SchemaValidation, "commands.Create",
			fmt.Errorf("invalid bubble id %q", in.ID))
	}
	if strings.TrimSpace(in.Task) == "" {
		return nil, nil, corerr.New(corerr.SchemaValidation, "commands.Create", fmt.Errorf("task is required"))
	}

	bubbleDir := filepath.Join(in.RepoPath, ".pairflow", "bubbles", in.ID)
	if _, err := os.Stat(filepath.Join(bubbleDir, "bubble.toml")); err == nil {
		return nil, nil, corerr.New(corerr.StateConflict, "commands.Create",
			fmt.Errorf("bubble %q already exists", in.ID))
	}

	workMode := in.WorkMode
	if workMode == "" {
		workMode = bubble.WorkModeWorktree
	}
	cfg := &bubble.Config{
		ID:                     in.ID,
		RepoPath:               in.RepoPath,
		BaseBranch:             in.BaseBranch,
		BubbleBranch:           in.BubbleBranch,
		WorkMode:               workMode,
		QualityMode:            bubble.QualityModeStrict,
		ReviewerContextMode:    bubble.ReviewerContextFresh,
		WatchdogTimeoutMinutes: in.WatchdogTimeoutMinutes,
		MaxRounds:              in.MaxRounds,
		Agents:                 in.Agents,
		Commands:               in.Commands,
	}
	if cfg.WatchdogTimeoutMinutes == 0 {
		cfg.WatchdogTimeoutMinutes = 30
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 20
	}

	instanceID, err := idgen.BubbleInstanceID(c.d.Now())
	if err != nil {
		return nil, nil, corerr.New(corerr.ExternalFailure, "commands.Create", err)
	}
	cfg.BubbleInstanceID = instanceID

	if err := cfg.Validate(); err != nil {
		return nil, nil, corerr.New(corerr.SchemaValidation, "commands.Create.validate", err)
	}

	tomlData, err := bubble.EncodeTOML(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := atomicfile.Replace(filepath.Join(bubbleDir, "bubble.toml"), tomlData, 0o644); err != nil {
		return nil, nil, err
	}

	res := &bubblectx.Resolved{
		BubbleDir:      bubbleDir,
		LocksDir:       filepath.Join(bubbleDir, "locks"),
		StatePath:      filepath.Join(bubbleDir, "state.json"),
		TranscriptPath: filepath.Join(bubbleDir, "transcript.ndjson"),
		InboxPath:      filepath.Join(bubbleDir, "inbox.ndjson"),
		ArtifactsDir:   filepath.Join(bubbleDir, "artifacts"),
		Config:         cfg,
	}

	initial := &bubble.Snapshot{BubbleID: cfg.ID, State: bubble.StateCreated, Round: 0}
	if _, err := statestore.Create(res.StatePath, initial, cfg); err != nil {
		return nil, nil, err
	}

	appendResult, err := c.appendLocked(res, transcript.Draft{
		BubbleID: cfg.ID,
		Sender:   "human",
		Recipient: string(cfg.Agents.Implementer),
		Type:     bubble.TypeTask,
		Round:    0,
		TaskPayload: &bubble.TaskPayload{Task: in.Task},
	})
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(res.ArtifactsDir, 0o755); err != nil {
		return nil, nil, corerr.New(corerr.ExternalFailure, "commands.Create.artifacts", err)
	}
	if err := atomicfile.Replace(filepath.Join(res.ArtifactsDir, "task.md"), []byte(in.Task), 0o644); err != nil {
		return nil, nil, err
	}

	fp, err := statestore.Fingerprint(initial)
	if err != nil {
		return nil, nil, err
	}

	c.emit(res, "bubble_created", nil, metrics.ActorHuman, map[string]any{"envelope_id": appendResult.Envelopes[0].ID})

	return res, &Result{Snapshot: initial, Fingerprint: fp}, nil
}

