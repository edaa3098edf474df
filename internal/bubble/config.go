// Package bubble holds the bubble data model: BubbleConfig (§3.2),
// BubbleStateSnapshot (§3.3), and ProtocolEnvelope (§3.4), plus the
// validation and TOML/JSON codecs that realize the §6.1 file formats.
package bubble

import (
	"fmt"
	"regexp"
	"strings"

	toml "github.com/BurntSushi/toml"
	tomlv2 "github.com/pelletier/go-toml/v2"
)

// WorkMode is the bubble's workspace isolation strategy.
type WorkMode string

const (
	WorkModeWorktree WorkMode = "worktree"
	WorkModeClone    WorkMode = "clone"
)

// QualityMode is currently a single closed value but kept as a named type
// so a future mode doesn't require touching every call site.
type QualityMode string

const QualityModeStrict QualityMode = "strict"

// ReviewerContextMode controls whether the reviewer agent gets a fresh
// context per round or a persistent one.
type ReviewerContextMode string

const (
	ReviewerContextFresh      ReviewerContextMode = "fresh"
	ReviewerContextPersistent ReviewerContextMode = "persistent"
)

// OverlayMode is the local_overlay materialization strategy.
type OverlayMode string

const (
	OverlayModeSymlink OverlayMode = "symlink"
	OverlayModeCopy    OverlayMode = "copy"
)

// AgentName is drawn from a closed set of supported agent binaries.
type AgentName string

// KnownAgents is the closed set of agent names BubbleConfig.agents may
// reference. Kept open to extension by callers via RegisterAgent for
// environments that add agent backends without a core release.
var KnownAgents = map[AgentName]bool{
	"claude":  true,
	"codex":   true,
	"cursor":  true,
	"aider":   true,
	"gemini":  true,
}

// RegisterAgent adds a name to the known-agent set. Intended for startup
// wiring only, not for use mid-run.
func RegisterAgent(name AgentName) { KnownAgents[name] = true }

// Agents names the implementer/reviewer pairing. The two must differ.
type Agents struct {
	Implementer AgentName `json:"implementer" toml:"implementer"`
	Reviewer    AgentName `json:"reviewer" toml:"reviewer"`
}

// Commands names the shell-out commands used for quality gates.
type Commands struct {
	Test      string `json:"test" toml:"test"`
	Typecheck string `json:"typecheck" toml:"typecheck"`
}

// Notifications configures the (external) notification sink.
type Notifications struct {
	Enabled        bool   `json:"enabled" toml:"enabled"`
	WaitingHuman   string `json:"waiting_human_sound,omitempty" toml:"waiting_human_sound,omitempty"`
	ConvergedSound string `json:"converged_sound,omitempty" toml:"converged_sound,omitempty"`
}

// LocalOverlay configures files materialized into the bubble workspace
// outside of version control (e.g. local env files).
type LocalOverlay struct {
	Enabled bool        `json:"enabled" toml:"enabled"`
	Mode    OverlayMode `json:"mode" toml:"mode"`
	Entries []string    `json:"entries" toml:"entries"`
}

// Config is the immutable-after-creation BubbleConfig of §3.2, plus the
// lazily backfilled BubbleInstanceID.
type Config struct {
	ID                  string        `json:"id" toml:"id"`
	RepoPath            string        `json:"repo_path" toml:"repo_path"`
	BaseBranch          string        `json:"base_branch" toml:"base_branch"`
	BubbleBranch        string        `json:"bubble_branch" toml:"bubble_branch"`
	WorkMode            WorkMode      `json:"work_mode" toml:"work_mode"`
	QualityMode         QualityMode   `json:"quality_mode" toml:"quality_mode"`
	ReviewerContextMode ReviewerContextMode `json:"reviewer_context_mode" toml:"reviewer_context_mode"`
	WatchdogTimeoutMinutes int        `json:"watchdog_timeout_minutes" toml:"watchdog_timeout_minutes"`
	MaxRounds           int           `json:"max_rounds" toml:"max_rounds"`
	CommitRequiresApproval bool       `json:"commit_requires_approval" toml:"commit_requires_approval"`
	OpenCommand         string        `json:"open_command,omitempty" toml:"open_command,omitempty"`

	Agents        Agents        `json:"agents" toml:"agents"`
	Commands      Commands      `json:"commands" toml:"commands"`
	Notifications Notifications `json:"notifications" toml:"notifications"`
	LocalOverlay  *LocalOverlay `json:"local_overlay,omitempty" toml:"local_overlay,omitempty"`

	// BubbleInstanceID is empty until the first mutating command backfills
	// it (§3.2, §4.8 "ensure bubbleInstanceId").
	BubbleInstanceID string `json:"bubble_instance_id,omitempty" toml:"bubble_instance_id,omitempty"`
}

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{9,127}$`)

// ValidateInstanceID reports whether id matches the BubbleInstanceID
// pattern of §3.2.
func ValidateInstanceID(id string) error {
	if !instanceIDPattern.MatchString(id) {
		return fmt.Errorf("invalid bubble_instance_id %q: must match %s", id, instanceIDPattern.String())
	}
	return nil
}

var openCommandPlaceholder = "{{worktree_path}}"

// Validate enforces the closed-keyset and cross-field invariants of §3.2.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.RepoPath == "" || !strings.HasPrefix(c.RepoPath, "/") {
		return fmt.Errorf("repo_path must be an absolute path")
	}
	if c.BaseBranch == "" || c.BubbleBranch == "" {
		return fmt.Errorf("base_branch and bubble_branch are required")
	}
	if c.BaseBranch == c.BubbleBranch {
		return fmt.Errorf("base_branch and bubble_branch must be distinct")
	}
	switch c.WorkMode {
	case WorkModeWorktree, WorkModeClone:
	default:
		return fmt.Errorf("work_mode must be worktree or clone, got %q", c.WorkMode)
	}
	if c.QualityMode != QualityModeStrict {
		return fmt.Errorf("quality_mode must be strict, got %q", c.QualityMode)
	}
	switch c.ReviewerContextMode {
	case ReviewerContextFresh, ReviewerContextPersistent:
	default:
		return fmt.Errorf("reviewer_context_mode must be fresh or persistent, got %q", c.ReviewerContextMode)
	}
	if c.WatchdogTimeoutMinutes <= 0 {
		return fmt.Errorf("watchdog_timeout_minutes must be positive")
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive")
	}
	if c.OpenCommand != "" && !strings.Contains(c.OpenCommand, openCommandPlaceholder) {
		return fmt.Errorf("open_command must contain the literal %s placeholder", openCommandPlaceholder)
	}
	if !KnownAgents[c.Agents.Implementer] {
		return fmt.Errorf("unknown implementer agent %q", c.Agents.Implementer)
	}
	if !KnownAgents[c.Agents.Reviewer] {
		return fmt.Errorf("unknown reviewer agent %q", c.Agents.Reviewer)
	}
	if c.Agents.Implementer == c.Agents.Reviewer {
		return fmt.Errorf("implementer and reviewer agents must differ")
	}
	if c.LocalOverlay != nil && c.LocalOverlay.Enabled {
		switch c.LocalOverlay.Mode {
		case OverlayModeSymlink, OverlayModeCopy:
		default:
			return fmt.Errorf("local_overlay.mode must be symlink or copy, got %q", c.LocalOverlay.Mode)
		}
		if len(c.LocalOverlay.Entries) == 0 {
			return fmt.Errorf("local_overlay.entries must be non-empty when enabled")
		}
		for _, e := range c.LocalOverlay.Entries {
			if err := validateRelativeNonEscaping(e); err != nil {
				return fmt.Errorf("local_overlay.entries: %w", err)
			}
		}
	}
	if c.BubbleInstanceID != "" {
		if err := ValidateInstanceID(c.BubbleInstanceID); err != nil {
			return err
		}
	}
	return nil
}

// validateRelativeNonEscaping rejects absolute paths and any path whose
// cleaned form walks above its own root via "..".
func validateRelativeNonEscaping(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%q must be relative", p)
	}
	cleaned := strings.TrimPrefix(p, "./")
	parts := strings.Split(cleaned, "/")
	depth := 0
	for _, part := range parts {
		switch part {
		case "..":
			depth--
			if depth < 0 {
				return fmt.Errorf("%q escapes its parent", p)
			}
		case ".", "":
		default:
			depth++
		}
	}
	return nil
}

// DecodeTOML parses bubble.toml contents using BurntSushi/toml, then
// independently re-validates the key set with pelletier/go-toml/v2's
// decoder (an unrelated AST/decoder implementation) rejecting any key
// outside the closed set named in §3.2 -- catching typoed or legacy keys
// that BurntSushi would otherwise silently ignore.
func DecodeTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode bubble.toml: %w", err)
	}
	if err := checkUnknownKeys(data); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var allowedTopLevelKeys = map[string]bool{
	"id": true, "repo_path": true, "base_branch": true, "bubble_branch": true,
	"work_mode": true, "quality_mode": true, "reviewer_context_mode": true,
	"watchdog_timeout_minutes": true, "max_rounds": true,
	"commit_requires_approval": true, "open_command": true,
	"agents": true, "commands": true, "notifications": true,
	"local_overlay": true, "bubble_instance_id": true,
}

func checkUnknownKeys(data []byte) error {
	var raw map[string]any
	if err := tomlv2.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("structural validation of bubble.toml: %w", err)
	}
	allowedSectionKeys := map[string]map[string]bool{
		"agents":        {"implementer": true, "reviewer": true},
		"commands":      {"test": true, "typecheck": true},
		"notifications": {"enabled": true, "waiting_human_sound": true, "converged_sound": true},
		"local_overlay": {"enabled": true, "mode": true, "entries": true},
	}
	for k, v := range raw {
		if !allowedTopLevelKeys[k] {
			return fmt.Errorf("unknown key %q in bubble.toml", k)
		}
		if section, ok := v.(map[string]any); ok {
			for sk := range section {
				if !allowedSectionKeys[k][sk] {
					return fmt.Errorf("unknown key %q in [%s] of bubble.toml", sk, k)
				}
			}
		}
	}
	return nil
}

// EncodeTOML renders cfg deterministically per §6.1: header keys in
// declaration order, then [agents], [commands], [notifications], and an
// optional [local_overlay], with no blank-line artifacts when optional
// sections are absent. A general-purpose encoder's key ordering is not
// contractual, so the render is hand-written here rather than delegated
// to BurntSushi/toml's Encoder.
func EncodeTOML(cfg *Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var b strings.Builder
	writeStr := func(key, val string) {
		fmt.Fprintf(&b, "%s = %s\n", key, tomlQuote(val))
	}
	writeStr("id", cfg.ID)
	writeStr("repo_path", cfg.RepoPath)
	writeStr("base_branch", cfg.BaseBranch)
	writeStr("bubble_branch", cfg.BubbleBranch)
	writeStr("work_mode", string(cfg.WorkMode))
	writeStr("quality_mode", string(cfg.QualityMode))
	writeStr("reviewer_context_mode", string(cfg.ReviewerContextMode))
	fmt.Fprintf(&b, "watchdog_timeout_minutes = %d\n", cfg.WatchdogTimeoutMinutes)
	fmt.Fprintf(&b, "max_rounds = %d\n", cfg.MaxRounds)
	fmt.Fprintf(&b, "commit_requires_approval = %t\n", cfg.CommitRequiresApproval)
	if cfg.OpenCommand != "" {
		writeStr("open_command", cfg.OpenCommand)
	}
	if cfg.BubbleInstanceID != "" {
		writeStr("bubble_instance_id", cfg.BubbleInstanceID)
	}

	b.WriteString("\n[agents]\n")
	writeStr("implementer", string(cfg.Agents.Implementer))
	writeStr("reviewer", string(cfg.Agents.Reviewer))

	b.WriteString("\n[commands]\n")
	writeStr("test", cfg.Commands.Test)
	writeStr("typecheck", cfg.Commands.Typecheck)

	b.WriteString("\n[notifications]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Notifications.Enabled)
	if cfg.Notifications.WaitingHuman != "" {
		writeStr("waiting_human_sound", cfg.Notifications.WaitingHuman)
	}
	if cfg.Notifications.ConvergedSound != "" {
		writeStr("converged_sound", cfg.Notifications.ConvergedSound)
	}

	if cfg.LocalOverlay != nil {
		b.WriteString("\n[local_overlay]\n")
		fmt.Fprintf(&b, "enabled = %t\n", cfg.LocalOverlay.Enabled)
		writeStr("mode", string(cfg.LocalOverlay.Mode))
		fmt.Fprintf(&b, "entries = [%s]\n", joinQuoted(cfg.LocalOverlay.Entries))
	}

	return []byte(b.String()), nil
}

func joinQuoted(items []string) string {
	parts := make([]string, len(items))
	for i, s := range items {
		parts[i] = tomlQuote(s)
	}
	return strings.Join(parts, ", ")
}

// tomlQuote renders s as a TOML basic (double-quoted) string. Per §6.1
// the subset forbids multiline strings, so newlines and tabs are escaped
// as \n and \t to keep every value on one line; other characters are
// written as-is.
func tomlQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
