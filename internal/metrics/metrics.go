// Package metrics implements MetricsEmitter (§4.9) -- best-effort,
// monthly-sharded lifecycle event emission that must never block or fail
// the underlying command -- plus the report aggregation supplemented from
// original_source/ (§6.9).
package metrics

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/corelog"
	"github.com/pairflow/pairflow/internal/lock"
)

// ActorRole is the closed set of §4.9 actor_role values.
type ActorRole string

const (
	ActorImplementer ActorRole = "implementer"
	ActorReviewer    ActorRole = "reviewer"
	ActorHuman       ActorRole = "human"
	ActorOrchestrator ActorRole = "orchestrator"
)

// Event is one lifecycle record (§4.9).
type Event struct {
	Timestamp       time.Time      `json:"ts"`
	SchemaVersion   int            `json:"schema_version"`
	RepoPath        string         `json:"repo_path"`
	BubbleInstanceID string        `json:"bubble_instance_id"`
	BubbleID        string         `json:"bubble_id"`
	EventType       string         `json:"event_type"`
	Round           *int           `json:"round"`
	ActorRole       ActorRole      `json:"actor_role"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// EmitInput carries the caller-supplied facts for one event.
type EmitInput struct {
	EventsRoot       string
	RepoPath         string
	BubbleID         string
	BubbleInstanceID string
	EventType        string
	Round            *int
	ActorRole        ActorRole
	Metadata         map[string]any
	Now              time.Time
}

// dedupeKey identifies a (bubbleId,eventType,reason) triple for §4.9's
// "deduplicated per (bubbleId,eventType,reason)" failure-logging rule.
type dedupeKey struct{ bubbleID, eventType, reason string }

var loggedFailures sync.Map

// Emitter emits best-effort lifecycle events. It never returns an error
// to its caller -- any failure is deduplicated and logged, matching §4.9's
// "never blocks or fails the underlying lifecycle operation" contract.
type Emitter struct {
	Logger corelog.Logger
}

// Emit writes one event to its monthly shard under a short-timeout,
// fast-recovering lock, swallowing and logging any failure.
func (m Emitter) Emit(in EmitInput) {
	log := m.Logger
	if log == nil {
		log = corelog.Nop{}
	}
	absRepo, err := filepath.Abs(in.RepoPath)
	if err != nil {
		m.fail(log, in, "abs_repo_path", err)
		return
	}
	event := Event{
		Timestamp:        in.Now,
		SchemaVersion:    1,
		RepoPath:         absRepo,
		BubbleInstanceID: in.BubbleInstanceID,
		BubbleID:         in.BubbleID,
		EventType:        in.EventType,
		Round:            in.Round,
		ActorRole:        in.ActorRole,
		Metadata:         in.Metadata,
	}
	line, err := json.Marshal(event)
	if err != nil {
		m.fail(log, in, "marshal", err)
		return
	}

	shardPath := ShardPath(in.EventsRoot, in.Now)
	lockPath := shardPath + ".lock"
	opts := lock.Options{
		TimeoutMs:    150,
		StaleAfterMs: 100,
	}
	if err := atomicfile.AppendWithLock(shardPath, lockPath, opts, [][]byte{line}); err != nil {
		m.fail(log, in, "append", err)
	}
}

func (m Emitter) fail(log corelog.Logger, in EmitInput, reason string, err error) {
	key := dedupeKey{bubbleID: in.BubbleID, eventType: in.EventType, reason: reason}
	if _, loaded := loggedFailures.LoadOrStore(key, true); loaded {
		return
	}
	log.Warn("metrics emit failed", "bubble_id", in.BubbleID, "event_type", in.EventType, "reason", reason, "error", err)
}

// ShardPath computes <eventsRoot>/<YYYY>/<MM>/events-<YYYY>-<MM>.ndjson.
func ShardPath(eventsRoot string, ts time.Time) string {
	y := fmt.Sprintf("%04d", ts.UTC().Year())
	m := fmt.Sprintf("%02d", ts.UTC().Month())
	return filepath.Join(eventsRoot, y, m, fmt.Sprintf("events-%s-%s.ndjson", y, m))
}

// ReportRow is one aggregated (bubble_id, event_type) group (§6.9).
type ReportRow struct {
	BubbleID  string
	EventType string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Report reads every monthly shard overlapping [from, to] and aggregates
// events by (bubble_id, event_type), per the original system's canonical
// aggregation grouping supplemented in §6.9. An optional repoPath
// restricts aggregation to events whose repo_path matches exactly,
// backing the CLI's `metrics report --repo` filter (§6.5).
func Report(eventsRoot string, from, to time.Time, repoPath ...string) ([]ReportRow, error) {
	var repoFilter string
	if len(repoPath) > 0 {
		repoFilter = repoPath[0]
	}
	groups := map[[2]string]*ReportRow{}
	order := make([][2]string, 0)

	for _, shard := range shardsBetween(eventsRoot, from, to) {
		r, err := atomicfile.Read(shard)
		if err != nil {
			return nil, err
		}
		if r.Missing {
			continue
		}
		for _, line := range splitLines(r.Data) {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				continue // a malformed metrics line never fails the report (§9 best-effort posture)
			}
			if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
				continue
			}
			if repoFilter != "" && ev.RepoPath != repoFilter {
				continue
			}
			key := [2]string{ev.BubbleID, ev.EventType}
			row, ok := groups[key]
			if !ok {
				row = &ReportRow{BubbleID: ev.BubbleID, EventType: ev.EventType, FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp}
				groups[key] = row
				order = append(order, key)
			}
			row.Count++
			if ev.Timestamp.Before(row.FirstSeen) {
				row.FirstSeen = ev.Timestamp
			}
			if ev.Timestamp.After(row.LastSeen) {
				row.LastSeen = ev.Timestamp
			}
		}
	}

	rows := make([]ReportRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, *groups[key])
	}
	return rows, nil
}

// shardsBetween enumerates the monthly shard paths overlapping [from, to].
func shardsBetween(eventsRoot string, from, to time.Time) []string {
	var shards []string
	cursor := time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.UTC().Year(), to.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cursor.After(end) {
		shards = append(shards, ShardPath(eventsRoot, cursor))
		cursor = cursor.AddDate(0, 1, 0)
	}
	return shards
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
