package modes

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/request"
)

func chatTask(e *modesEnv, msg string) *queue.Task {
	return e.task(request.Submission{
		Task:         request.Task{Goal: "discuss the rollout"},
		Orchestrator: request.Orchestrator{Mode: request.ModeChat},
		Message:      msg,
	})
}

func readTranscript(t *testing.T, path string) []ChatEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []ChatEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e ChatEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestChatAppendsUserAndAck(t *testing.T) {
	e := newModesEnv(t, Options{})
	task := chatTask(e, "how far along is the migration?")

	out, err := e.d.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 1)

	entries := readTranscript(t, out.Artifacts[0])
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Index)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "how far along is the migration?", entries[0].Message)
	assert.Equal(t, 1, entries[1].Index)
	assert.Equal(t, "orchestrator", entries[1].Role)
	assert.Contains(t, entries[1].Message, task.ID)
}

func TestChatTranscriptGrowsAcrossRuns(t *testing.T) {
	e := newModesEnv(t, Options{})
	task := chatTask(e, "first message")

	_, err := e.d.Execute(context.Background(), task)
	require.NoError(t, err)

	task.Request.Message = "second message"
	_, err = e.d.Execute(context.Background(), task)
	require.NoError(t, err)

	path := filepath.Join(e.store.EvidenceDir(task.ID), "chat.ndjson")
	entries := readTranscript(t, path)
	require.Len(t, entries, 4)
	for i, entry := range entries {
		assert.Equal(t, i, entry.Index)
	}
	assert.Equal(t, "second message", entries[2].Message)
}

func TestChatEmptyMessageUsesGoal(t *testing.T) {
	e := newModesEnv(t, Options{})
	task := chatTask(e, "")

	out, err := e.d.Execute(context.Background(), task)
	require.NoError(t, err)

	entries := readTranscript(t, out.Artifacts[0])
	require.Len(t, entries, 2)
	assert.Equal(t, "discuss the rollout", entries[0].Message)
}

func TestChatRefusesPastCap(t *testing.T) {
	e := newModesEnv(t, Options{ChatCap: 3})
	task := chatTask(e, "fits under the cap")

	_, err := e.d.Execute(context.Background(), task)
	require.NoError(t, err)

	// Two entries exist; two more would exceed the cap of three.
	_, err = e.d.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript full")

	// The refused run appended nothing.
	path := filepath.Join(e.store.EvidenceDir(task.ID), "chat.ndjson")
	assert.Len(t, readTranscript(t, path), 2)
}
