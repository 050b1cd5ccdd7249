package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	require.NotNil(t, sm)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
	assert.NotNil(t, sm.logger)

	sm = NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second, &http.Server{}, &http.Server{})
	assert.Equal(t, time.Second, sm.shutdownTimeout)
	assert.Len(t, sm.servers, 2)
}

func TestRegisterShutdownFunc_IgnoresNil(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)
	sm.RegisterShutdownFunc(nil)
	sm.RegisterShutdownFunc(func(context.Context) error { return nil })
	assert.Len(t, sm.shutdownFuncs, 1)
}

func TestShutdown_StopsServersAndRunsFuncs(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	ts.Start()
	defer ts.Close()

	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 5*time.Second, ts.Config)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		sm.RegisterShutdownFunc(func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, int32(3), calls.Load())

	_, err := http.Get(ts.URL)
	assert.Error(t, err, "server should no longer accept connections")
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)
	boom := errors.New("redis close failed")
	sm.RegisterShutdownFunc(func(context.Context) error { return boom })
	sm.RegisterShutdownFunc(func(context.Context) error { return nil })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 50*time.Millisecond)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	var ran atomic.Bool
	sm.RegisterShutdownFunc(func(context.Context) error {
		ran.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, ran.Load())
}
