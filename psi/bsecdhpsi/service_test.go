package bsecdhpsi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

func newResourceForTest(t *testing.T, rows []string) *protocol.DataResource {
	t.Helper()
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.csv")
	content := ""
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(inPath, []byte(content), 0o644))
	return &protocol.DataResource{
		ResourceID: "res-1",
		Input:      &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: inPath},
		Output:     &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: filepath.Join(dir, "out.csv")},
	}
}

func newServiceForTest(maxTaskCount int) *Service {
	return NewService(cryptosuite.NewED25519(), cryptosuite.NewSHA256(), time.Minute, maxTaskCount, true)
}

func runTaskSync(t *testing.T, s *Service, taskID string, rows []string) *errs.TaskError {
	t.Helper()
	var outcome *errs.TaskError
	done := make(chan struct{})
	s.AsyncRunTask(context.Background(), &RunTaskRequest{
		TaskID:       taskID,
		DataResource: newResourceForTest(t, rows),
	}, func(err *errs.TaskError) {
		outcome = err
		close(done)
	})
	<-done
	return outcome
}

func TestAsyncRunTaskAdmitsNewTask(t *testing.T) {
	s := newServiceForTest(0)
	err := runTaskSync(t, s, "task-1", []string{"a", "b"})
	require.Nil(t, err)

	status := s.GetTaskStatus(&GetTaskStatusRequest{TaskID: "task-1"})
	require.Nil(t, status.Err)
	require.Equal(t, "task-1", status.TaskID)
}

func TestAsyncRunTaskDuplicateIsANoOpAck(t *testing.T) {
	s := newServiceForTest(0)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))
	require.Equal(t, 1, s.taskCount())
}

func TestAsyncRunTaskRejectsOnceMaxTaskCountReached(t *testing.T) {
	s := newServiceForTest(1)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))

	err := runTaskSync(t, s, "task-2", []string{"a"})
	require.NotNil(t, err)
	require.Equal(t, errs.TaskCountReachMax, err.Code)
}

func TestGetTaskStatusUnknownTask(t *testing.T) {
	s := newServiceForTest(0)
	status := s.GetTaskStatus(&GetTaskStatusRequest{TaskID: "missing"})
	require.NotNil(t, status.Err)
	require.Equal(t, errs.TaskNotFound, status.Err.Code)
}

func TestCheckTaskRequestAcceptsRunningPausingAndCompleted(t *testing.T) {
	s := newServiceForTest(0)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))

	s.mu.RLock()
	state := s.states["task-1"]
	s.mu.RUnlock()

	state.UpdateStatus(StatusRunning)
	_, terr := s.checkTaskRequest("task-1")
	require.Nil(t, terr)

	state.UpdateStatus(StatusPausing)
	_, terr = s.checkTaskRequest("task-1")
	require.Nil(t, terr)

	state.UpdateStatus(StatusCompleted)
	_, terr = s.checkTaskRequest("task-1")
	require.Nil(t, terr)

	state.UpdateStatus(StatusFailed)
	_, terr = s.checkTaskRequest("task-1")
	require.NotNil(t, terr)
	require.Equal(t, errs.TaskIsNotRunning, terr.Code)
}

func TestKillTaskFailsRunningTaskAndEvictsCache(t *testing.T) {
	s := newServiceForTest(0)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))

	terr := s.KillTask(&KillTaskRequest{TaskID: "task-1"})
	require.Nil(t, terr)

	status := s.GetTaskStatus(&GetTaskStatusRequest{TaskID: "task-1"})
	require.Equal(t, StatusFailed, status.Status)
	require.NotNil(t, status.Err)
	require.Equal(t, errs.TaskKilled, status.Err.Code)

	require.False(t, s.caches.Contains("task-1"))
}

func TestKillTaskUnknownTask(t *testing.T) {
	s := newServiceForTest(0)
	terr := s.KillTask(&KillTaskRequest{TaskID: "missing"})
	require.NotNil(t, terr)
	require.Equal(t, errs.TaskNotFound, terr.Code)
}

func TestUpdateTaskStatusRunningAndPausing(t *testing.T) {
	s := newServiceForTest(0)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))

	s.mu.RLock()
	state := s.states["task-1"]
	s.mu.RUnlock()
	state.UpdateStatus(StatusRunning)

	resp := s.UpdateTaskStatus(&UpdateTaskStatusRequest{TaskID: "task-1", Status: StatusPausing})
	require.Equal(t, StatusPausing, resp.Status)

	resp = s.UpdateTaskStatus(&UpdateTaskStatusRequest{TaskID: "task-1", Status: StatusRunning})
	require.Equal(t, StatusRunning, resp.Status)
}

func TestCheckAndCleanTaskDropsExpiredState(t *testing.T) {
	s := newServiceForTest(0)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))

	s.mu.Lock()
	state := s.states["task-1"]
	state.mu.Lock()
	state.latestActiveTime = time.Now().Add(-BSValidityTerm - time.Second)
	state.mu.Unlock()
	s.mu.Unlock()

	s.checkAndCleanTask()

	s.mu.RLock()
	_, exists := s.states["task-1"]
	s.mu.RUnlock()
	require.False(t, exists)
	require.False(t, s.caches.Contains("task-1"))
}

func TestCheckAndCleanTaskEvictsCacheForTerminalTask(t *testing.T) {
	s := newServiceForTest(0)
	require.Nil(t, runTaskSync(t, s, "task-1", []string{"a"}))

	s.mu.RLock()
	state := s.states["task-1"]
	s.mu.RUnlock()
	state.UpdateStatus(StatusFailed)

	s.checkAndCleanTask()

	require.False(t, s.caches.Contains("task-1"))
	s.mu.RLock()
	_, stillTracked := s.states["task-1"]
	s.mu.RUnlock()
	require.True(t, stillTracked, "TaskState itself survives until IsExpired, only the cache is dropped early")
}

func TestPrepareIOFailsOnUnreadableInput(t *testing.T) {
	s := newServiceForTest(0)
	_, _, _, _, err := s.prepareIO(&RunTaskRequest{
		TaskID: "task-1",
		DataResource: &protocol.DataResource{
			Input:  &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: "/no/such/file"},
			Output: &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: filepath.Join(t.TempDir(), "out.csv")},
		},
	})
	require.Error(t, err)
}
