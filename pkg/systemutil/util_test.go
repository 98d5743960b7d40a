package systemutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdRun(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "cmd.log")
	var lines []string

	out, err := Cmd{
		Name:    "/bin/sh",
		Args:    []string{"-c", "echo first; echo oops >&2; echo second"},
		Desc:    "say things",
		LogPath: logPath,
		OnLine:  func(line string) { lines = append(lines, line) },
	}.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", out)
	assert.Equal(t, []string{"first", "second"}, lines)

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "##### say things")
	assert.Contains(t, string(logged), "##### RUN /bin/sh")
	assert.Contains(t, string(logged), "oops")
	assert.Contains(t, string(logged), "second")
}

func TestCmdRun_ExitCode(t *testing.T) {
	_, err := Cmd{
		Name: "/bin/sh",
		Args: []string{"-c", "echo broken repo >&2; exit 3"},
	}.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.Contains(t, err.Error(), "broken repo")

	assert.Equal(t, -1, ExitCode(errors.New("plain")))
}

func TestCmdRun_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Cmd{Name: "/bin/sh", Args: []string{"-c", "sleep 5"}}.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCmdRun_NoCommand(t *testing.T) {
	_, err := Cmd{}.Run(context.Background())
	assert.Error(t, err)
}

func TestWriteLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a", "b.log")
	require.NoError(t, WriteLog(logPath, "step one"))
	require.NoError(t, WriteLog(logPath, "step two"))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "step one\nstep two\n", string(data))
	assert.NoError(t, WriteLog("", "stdout only"))
}

func TestPoll(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = Poll(context.Background(), 5*time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrPollTimeout)

	boom := errors.New("boom")
	err = Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Poll(ctx, time.Second, time.Minute, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
