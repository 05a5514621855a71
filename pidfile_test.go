package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireGatewayLock_WritesCurrentPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pid")

	lock, err := acquireGatewayLock(path)
	require.NoError(t, err)
	defer lock.Release()

	info, err := readGatewayLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Empty(t, info.Addr)
}

func TestAcquireGatewayLock_SecondAcquisitionFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pid")

	lock, err := acquireGatewayLock(path)
	require.NoError(t, err)
	defer lock.Release()

	second, err := acquireGatewayLock(path)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "already running")
}

func TestAcquireGatewayLock_ReacquireAfterRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pid")

	lock, err := acquireGatewayLock(path)
	require.NoError(t, err)
	lock.Release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	again, err := acquireGatewayLock(path)
	require.NoError(t, err)
	again.Release()
}

func TestAcquireGatewayLock_EmptyPath(t *testing.T) {
	t.Parallel()

	lock, err := acquireGatewayLock("")
	require.Error(t, err)
	assert.Nil(t, lock)
	assert.Contains(t, err.Error(), "empty")
}

func TestAcquireGatewayLock_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "serve.pid")

	lock, err := acquireGatewayLock(path)
	require.NoError(t, err)
	defer lock.Release()

	assert.FileExists(t, path)
}

func TestGatewayLock_SetAddrReplacesContents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pid")

	lock, err := acquireGatewayLock(path)
	require.NoError(t, err)
	defer lock.Release()

	require.NoError(t, lock.SetAddr("127.0.0.1:18080"))
	require.NoError(t, lock.SetAddr("127.0.0.1:8080"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+" 127.0.0.1:8080\n", string(data))
}

func TestReadGatewayLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    gatewayInfo
		wantErr string
	}{
		{name: "pid only", content: "12345\n", want: gatewayInfo{PID: 12345}},
		{name: "pid and addr", content: "42 [::1]:8080\n", want: gatewayInfo{PID: 42, Addr: "[::1]:8080"}},
		{name: "garbage", content: "not-a-pid\n", wantErr: "invalid PID"},
		{name: "zero", content: "0\n", wantErr: "invalid PID"},
		{name: "empty", content: "", wantErr: "invalid PID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "serve.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			got, err := readGatewayLock(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadGatewayLock_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := readGatewayLock(filepath.Join(t.TempDir(), "nonexistent.pid"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSignalGateway_NoLockFile(t *testing.T) {
	t.Parallel()

	_, err := signalGateway(filepath.Join(t.TempDir(), "nonexistent.pid"), syscall.SIGHUP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running gateway")
}

func TestSignalGateway_StaleLockRemoved(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pid")
	// PID 999999999 is almost certainly not a running process.
	require.NoError(t, os.WriteFile(path, []byte("999999999 127.0.0.1:8080\n"), 0o644))

	info, err := signalGateway(path, syscall.SIGHUP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.Equal(t, 999999999, info.PID)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSignalGateway_SendsToCurrentProcess(t *testing.T) {
	// Not parallel: SIGHUP is process-wide. Trap it so it doesn't kill the
	// test process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "serve.pid")

	lock, err := acquireGatewayLock(path)
	require.NoError(t, err)
	defer lock.Release()

	require.NoError(t, lock.SetAddr("127.0.0.1:9"))

	info, err := signalGateway(path, syscall.SIGHUP)
	require.NoError(t, err)
	assert.Equal(t, gatewayInfo{PID: os.Getpid(), Addr: "127.0.0.1:9"}, info)

	assert.Equal(t, syscall.SIGHUP, <-sigCh)
}
