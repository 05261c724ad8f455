package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type fakeSessions struct{ j *journal }

func (f fakeSessions) Start(context.Context) { f.j.add("sessions.start") }
func (f fakeSessions) Bootstrap(ctx context.Context) error {
	f.j.add("sessions.bootstrap")
	<-ctx.Done()
	return nil
}
func (f fakeSessions) Close() { f.j.add("sessions.close") }

type fakeServer struct {
	j        *journal
	startErr error
	stop     chan struct{}
}

func (f *fakeServer) Start() error {
	f.j.add("server.start")
	if f.startErr != nil {
		return f.startErr
	}
	<-f.stop
	return nil
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.j.add("server.shutdown")
	close(f.stop)
	return nil
}

func TestRunnerStopsInReverseOrder(t *testing.T) {
	j := &journal{}
	srv := &fakeServer{j: j, stop: make(chan struct{})}
	r := NewRunner(fakeSessions{j: j}, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(j.list()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	events := j.list()
	assert.Equal(t, "sessions.start", events[0])
	assert.Equal(t, []string{"server.shutdown", "sessions.close"}, events[len(events)-2:])
}

func TestRunnerReturnsServerError(t *testing.T) {
	j := &journal{}
	srv := &fakeServer{j: j, startErr: errors.New("address in use"), stop: make(chan struct{})}
	r := NewRunner(fakeSessions{j: j}, srv, nil)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.Contains(t, j.list(), "sessions.close")
}
