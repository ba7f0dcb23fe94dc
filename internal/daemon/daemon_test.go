package daemon

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partnerwatch/sentryd/internal/query"
)

type fakeEngine struct {
	ran chan struct{}
}

func (e *fakeEngine) Run(ctx context.Context) error {
	close(e.ran)
	<-ctx.Done()
	return nil
}

func TestAcquirePIDFile_RejectsConcurrentHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.pid")

	pf, err := acquirePIDFile(path)
	require.NoError(t, err)

	_, err = acquirePIDFile(path)
	require.Error(t, err)

	require.NoError(t, pf.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	pf2, err := acquirePIDFile(path)
	require.NoError(t, err)
	require.NoError(t, pf2.Release())
}

func TestRun_CooperativeShutdownOnSignal(t *testing.T) {
	eng := &fakeEngine{ran: make(chan struct{})}
	rt := New(eng, query.New(nil), Config{ShutdownGrace: time.Second}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()

	<-eng.ran
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down after SIGTERM")
	}
}

func TestRun_ReleasesPIDFileOnEngineError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.pid")
	boom := errRun("boom")

	failingEngine := engineFunc(func(ctx context.Context) error {
		return boom
	})

	rt := New(failingEngine, query.New(nil), Config{PIDFilePath: path}, nil)
	err := rt.Run(context.Background())
	require.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

type errRun string

func (e errRun) Error() string { return string(e) }

type engineFunc func(ctx context.Context) error

func (f engineFunc) Run(ctx context.Context) error { return f(ctx) }
