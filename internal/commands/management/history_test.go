// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package management

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/store"
)

// seed writes records to a fresh database and points --config at it.
func seed(t *testing.T, records ...*store.Record) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")

	s, err := store.Open(context.Background(), dbPath)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, s.Save(context.Background(), rec))
	}
	require.NoError(t, s.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("log:\n  level: error\nstore:\n  path: %s\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(shared.ResetFlagsForTest)
}

func record(id string, status int, startedAt time.Time) *store.Record {
	outcome := "accepted"
	if status != 0 {
		outcome = "failed-retries-exhausted"
	}
	return &store.Record{
		RunID:        id,
		TargetMethod: "doInit",
		Outcome:      outcome,
		Attempts:     4,
		Status:       status,
		ExitCode:     status + 95,
		Stack:        debugops.Stack{{Method: "doInit", File: "scenario.go", Line: 120}},
		StartedAt:    startedAt,
		EndedAt:      startedAt.Add(time.Second),
	}
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestHistory_ListsNewestFirst(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	seed(t, record("run-old", 0, base), record("run-new", 2, base.Add(time.Hour)))

	out, err := execute(NewHistoryCommand())
	require.NoError(t, err)

	assert.Less(t, bytes.Index([]byte(out), []byte("run-new")), bytes.Index([]byte(out), []byte("run-old")))
	assert.Contains(t, out, "failed-retries-exhausted")
	assert.Contains(t, out, "passed")
}

func TestHistory_LimitAndJSON(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	seed(t, record("a", 0, base), record("b", 0, base.Add(time.Minute)), record("c", 2, base.Add(2*time.Minute)))
	_, _, jsonFlag, _ := shared.RegisterFlagPointers()
	*jsonFlag = true

	out, err := execute(NewHistoryCommand(), "--limit", "2")
	require.NoError(t, err)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "c", resp.Runs[0].RunID)
	assert.Equal(t, "b", resp.Runs[1].RunID)
}

func TestHistory_Empty(t *testing.T) {
	seed(t)

	out, err := execute(NewHistoryCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")
}

func TestHistoryShow(t *testing.T) {
	seed(t, record("run-1", 0, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)))

	out, err := execute(NewHistoryCommand(), "show", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "passed (exit 95)")
	assert.Contains(t, out, "doInit (scenario.go:120)")
}

func TestHistoryShow_Missing(t *testing.T) {
	seed(t)

	_, err := execute(NewHistoryCommand(), "show", "nope")
	assert.ErrorContains(t, err, "not found")
}
