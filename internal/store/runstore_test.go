package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateRun("what is zinc?", "deep", map[string]any{"evidence_policy": "strict"})
	require.NoError(t, err)

	run, err := s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, run.Status)
	require.Equal(t, "strict", run.Settings["evidence_policy"])

	require.NoError(t, s.SetRunDone(id, "# Answer"))
	run, err = s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusDone, run.Status)
	require.Equal(t, "# Answer", run.FinalAnswer)

	// A terminal run stays terminal: a late error must not overwrite done.
	require.NoError(t, s.SetRunError(id, "late failure"))
	run, err = s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusDone, run.Status)
	require.Empty(t, run.Error)
}

func TestTraceAppendOnlyOrdered(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun("q", "deep", nil)
	require.NoError(t, err)

	steps := []string{"plan", "tool_exec", "evidence_gate", "verify"}
	for _, step := range steps {
		require.NoError(t, s.AddTrace(id, step, map[string]any{"step": step}))
	}

	events, err := s.TraceEvents(id)
	require.NoError(t, err)
	require.Len(t, events, len(steps))
	for i, step := range steps {
		require.Equal(t, step, events[i].Step)
	}
}

func TestUpsertSources_PreservesFlagsAndPrunesStale(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun("q", "deep", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpsertSources(id, []SourceRecord{
		{RefID: "doc:1", SourceType: "doc", Score: 0.5, Citation: "D1"},
		{RefID: "web:1", SourceType: "web", Score: 0.4, Citation: "W1"},
	}))

	// User pins doc:1.
	require.NoError(t, s.SetSourceFlags(id, "doc:1", SourceFlags{Pinned: true}))

	// Pipeline re-upserts with fresh scores and no flag fields: the pin
	// must survive, and web:1 (gone from the pool) must be pruned.
	require.NoError(t, s.UpsertSources(id, []SourceRecord{
		{RefID: "doc:1", SourceType: "doc", Score: 0.9, Citation: "D1"},
		{RefID: "kiwix:1", SourceType: "kiwix", Score: 0.6, Citation: "K1"},
	}))

	flags, err := s.SourceFlagsByRefID(id)
	require.NoError(t, err)
	require.True(t, flags["doc:1"].Pinned, "pinned flag reset by upsert")
	require.NotContains(t, flags, "web:1", "stale source not pruned")
	require.Contains(t, flags, "kiwix:1")

	records, err := s.Sources(id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		if rec.RefID == "doc:1" {
			require.Equal(t, 0.9, rec.Score, "score not refreshed")
			require.True(t, rec.Pinned)
		}
	}
}

func TestClaimsFullReplace(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun("q", "deep", nil)
	require.NoError(t, err)

	require.NoError(t, s.AddClaims(id, []ClaimRecord{
		{Claim: "old claim", Status: "unclear"},
	}))

	// Verifier pass: full replace.
	require.NoError(t, s.ClearClaims(id))
	require.NoError(t, s.AddClaims(id, []ClaimRecord{
		{
			Claim:     "zinc melts at 419.5 C",
			Status:    "supported",
			Citations: []string{"K1"},
			Evidence:  []ClaimEvidence{{Citation: "K1", Quote: "melting point of 419.5"}},
		},
	}))

	claims, err := s.Claims(id)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, "supported", claims[0].Status)
	require.Equal(t, "K1", claims[0].Evidence[0].Citation)
}

func TestReplaceClaimsSwapsInOneCall(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun("q", "deep", nil)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceClaims(id, []ClaimRecord{
		{Claim: "first pass claim", Status: "unclear"},
		{Claim: "another", Status: "unclear"},
	}))
	require.NoError(t, s.ReplaceClaims(id, []ClaimRecord{
		{Claim: "second pass claim", Status: "supported", Citations: []string{"D1"}},
	}))

	claims, err := s.Claims(id)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, "second pass claim", claims[0].Claim)

	// Replacing with an empty set clears the run's claims.
	require.NoError(t, s.ReplaceClaims(id, nil))
	claims, err = s.Claims(id)
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	for _, q := range []string{"a", "b", "c"} {
		_, err := s.CreateRun(q, "classic", nil)
		require.NoError(t, err)
	}
	runs, err := s.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}
