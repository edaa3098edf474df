package metrics

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/corelog"
)

func TestShardPathLayout(t *testing.T) {
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	got := ShardPath("/root/events", ts)
	assert.Equal(t, filepath.Join("/root/events", "2026", "07", "events-2026-07.ndjson"), got)
}

func TestEmitWritesShardAndReportAggregates(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	em := Emitter{Logger: corelog.Nop{}}

	round := 1
	em.Emit(EmitInput{
		EventsRoot: dir, RepoPath: "/repo", BubbleID: "b1", BubbleInstanceID: "bi_1",
		EventType: "bubble_started", Round: &round, ActorRole: ActorOrchestrator, Now: now,
	})
	em.Emit(EmitInput{
		EventsRoot: dir, RepoPath: "/repo", BubbleID: "b1", BubbleInstanceID: "bi_1",
		EventType: "bubble_started", Round: &round, ActorRole: ActorOrchestrator, Now: now.Add(time.Minute),
	})

	rows, err := Report(dir, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].BubbleID)
	assert.Equal(t, "bubble_started", rows[0].EventType)
	assert.Equal(t, 2, rows[0].Count)
}

func TestReportExcludesEventsOutsideRange(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	em := Emitter{Logger: corelog.Nop{}}
	em.Emit(EmitInput{EventsRoot: dir, RepoPath: "/repo", BubbleID: "b1", EventType: "x", ActorRole: ActorHuman, Now: now})

	rows, err := Report(dir, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReportFiltersByRepoPath(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	em := Emitter{Logger: corelog.Nop{}}
	em.Emit(EmitInput{EventsRoot: dir, RepoPath: "/repo/one", BubbleID: "b1", EventType: "x", ActorRole: ActorHuman, Now: now})
	em.Emit(EmitInput{EventsRoot: dir, RepoPath: "/repo/two", BubbleID: "b2", EventType: "x", ActorRole: ActorHuman, Now: now})

	rows, err := Report(dir, now.Add(-time.Hour), now.Add(time.Hour), "/repo/one")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].BubbleID)
}

func TestRenderTableAndJSON(t *testing.T) {
	rows := []ReportRow{{BubbleID: "b1", EventType: "bubble_started", Count: 3, FirstSeen: time.Now(), LastSeen: time.Now()}}

	var tableBuf bytes.Buffer
	RenderTable(&tableBuf, rows)
	assert.Contains(t, tableBuf.String(), "b1")

	var jsonBuf bytes.Buffer
	require.NoError(t, RenderJSON(&jsonBuf, rows))
	assert.Contains(t, jsonBuf.String(), "bubble_started")
}
