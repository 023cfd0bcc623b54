package registry

// ============================================================================
// Registry tests: persistence, version checks and directory queries
// ============================================================================

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevoinea/onefuzz/pkg/types"
)

func openTemp(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	return r
}

func task(state types.TaskState, taskType types.TaskType, containers ...types.TaskContainer) types.Task {
	return types.Task{
		JobID:  uuid.New(),
		TaskID: uuid.New(),
		State:  state,
		Config: types.TaskConfig{
			Task:       types.TaskDetails{Type: taskType},
			Containers: containers,
		},
	}
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	r := openTemp(t)
	notifications, tasks := r.Counts()
	assert.Zero(t, notifications)
	assert.Zero(t, tasks)

	_, err := os.Stat(r.Path())
	assert.True(t, os.IsNotExist(err), "nothing is written until the first change")
}

func TestNotificationsPersist(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	added, err := r.AddNotification(types.Notification{
		Container: "crashes",
		Config:    types.NotificationTemplate{Teams: &types.TeamsTemplate{URL: "env://HOOK"}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, added.NotificationID)

	_, err = r.AddNotification(types.Notification{Container: "other"})
	require.NoError(t, err)

	reopened, err := Open(r.Path())
	require.NoError(t, err)

	got, err := reopened.ListByContainer(ctx, "crashes")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, added, got[0])

	none, err := reopened.ListByContainer(ctx, "unwatched")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, reopened.RemoveNotification(added.NotificationID))
	assert.ErrorIs(t, reopened.RemoveNotification(added.NotificationID), ErrNotificationNotFound)

	got, err = reopened.ListByContainer(ctx, "crashes")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddNotificationRejectsInvalidContainer(t *testing.T) {
	r := openTemp(t)
	_, err := r.AddNotification(types.Notification{Container: "bad_name"})

	var invalid *types.InvalidContainerError
	assert.ErrorAs(t, err, &invalid)
}

func TestListAvailable(t *testing.T) {
	r := openTemp(t)

	states := []types.TaskState{
		types.TaskInit,
		types.TaskWaiting,
		types.TaskScheduled,
		types.TaskSettingUp,
		types.TaskRunning,
		types.TaskStopping,
		types.TaskStopped,
		types.TaskWaitJob,
	}
	for _, s := range states {
		require.NoError(t, r.PutTask(task(s, types.TaskLibfuzzerFuzz)))
	}

	available, err := r.ListAvailable(context.Background())
	require.NoError(t, err)

	var got []types.TaskState
	for _, tk := range available {
		got = append(got, tk.State)
	}
	assert.ElementsMatch(t, types.AvailableTaskStates, got)
}

func TestTaskLookups(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	tk := task(types.TaskRunning, types.TaskLibfuzzerCrashReport,
		types.TaskContainer{Type: types.ContainerCrashes, Name: "crashes"})
	require.NoError(t, r.PutTask(tk))

	got, err := r.GetByTaskID(ctx, tk.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tk, *got)

	got, err = r.GetByTaskID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.GetByJobIDAndTaskID(ctx, tk.JobID, tk.TaskID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = r.GetByJobIDAndTaskID(ctx, uuid.New(), tk.TaskID)
	require.NoError(t, err)
	assert.Nil(t, got, "job id must match too")

	containers, ok := r.InputContainers(tk.Config)
	assert.True(t, ok)
	assert.Equal(t, []string{"crashes"}, containers)
}

func TestPutTaskReplacesAndSetTaskState(t *testing.T) {
	r := openTemp(t)
	tk := task(types.TaskWaiting, types.TaskLibfuzzerMerge)
	require.NoError(t, r.PutTask(tk))

	require.NoError(t, r.SetTaskState(tk.TaskID, types.TaskStopped))
	_, tasks := r.Counts()
	assert.Equal(t, 1, tasks)

	got, err := r.GetByTaskID(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStopped, got.State)

	assert.ErrorIs(t, r.SetTaskState(uuid.New(), types.TaskRunning), ErrTaskNotFound)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"corrupted", "{not json", ErrCorruptedState},
		{"wrong version", `{"schema_ver": 2}`, ErrIncompatibleVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "registry.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Open(path)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	r := openTemp(t)
	require.NoError(t, r.PutTask(task(types.TaskRunning, types.TaskLibfuzzerFuzz)))

	_, err := os.Stat(r.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.PutTask(task(types.TaskRunning, types.TaskLibfuzzerFuzz))
		}()
		go func() {
			defer wg.Done()
			_, _ = r.ListAvailable(ctx)
		}()
	}
	wg.Wait()

	_, tasks := r.Counts()
	assert.Equal(t, 10, tasks)
}
