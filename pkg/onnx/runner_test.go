package onnx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-transfer-serve/pkg/stylize"
)

// testRunner builds a Runner whose sessions come from load instead of
// ONNX Runtime. The sessions it hands out have no native handle, so tests
// only exercise paths that stop before inference.
func testRunner(t *testing.T, load func(Model) (*session, error), ids ...string) *Runner {
	t.Helper()
	reg := NewRegistry()
	for _, id := range ids {
		require.NoError(t, reg.Register(id, id+".onnx"))
	}
	return &Runner{registry: reg, sessions: make(map[string]*session), load: load}
}

func instantLoad(m Model) (*session, error) {
	return &session{input: "input1", output: "output1"}, nil
}

var pixel = stylize.Shape{N: 1, C: stylize.Channels, H: 1, W: 1}

func TestRunnerCachedStyleNotBlockedByColdLoad(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := testRunner(t, func(m Model) (*session, error) {
		if m.ID == "mosaic" {
			close(started)
			<-release
		}
		return instantLoad(m)
	}, "candy", "mosaic")

	candy, err := r.session("candy")
	require.NoError(t, err)

	go func() {
		_, _ = r.session("mosaic")
	}()
	<-started

	got := make(chan *session, 1)
	go func() {
		s, _ := r.session("candy")
		got <- s
	}()
	select {
	case s := <-got:
		assert.Same(t, candy, s)
	case <-time.After(5 * time.Second):
		t.Fatal("cached style waited for another style's model load")
	}
	close(release)
}

func TestRunnerConcurrentFirstUseLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	r := testRunner(t, func(m Model) (*session, error) {
		loads.Add(1)
		<-release
		return instantLoad(m)
	}, "candy")

	const callers = 8
	sessions := make([]*session, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.session("candy")
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestRunnerLoadFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	r := testRunner(t, func(m Model) (*session, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("model file truncated")
		}
		return instantLoad(m)
	}, "candy")

	_, err := r.session("candy")
	require.ErrorContains(t, err, "truncated")

	s, err := r.session("candy")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestRunnerUnknownStyle(t *testing.T) {
	r := testRunner(t, func(Model) (*session, error) {
		t.Fatal("load called for an unregistered style")
		return nil, nil
	}, "candy")

	_, err := r.Run(context.Background(), "nope", make([]float32, pixel.Len()), pixel)
	assert.ErrorIs(t, err, stylize.ErrUnknownStyle)
}

func TestRunnerRunOnReleasedSession(t *testing.T) {
	r := testRunner(t, instantLoad, "candy")
	// Close released this session after Run had already looked it up.
	r.sessions["candy"] = &session{closed: true}

	_, err := r.Run(context.Background(), "candy", make([]float32, pixel.Len()), pixel)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunnerClose(t *testing.T) {
	r := testRunner(t, instantLoad, "candy", "mosaic")
	s, err := r.session("candy")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, s.closed)
	assert.Empty(t, r.sessions)
	require.NoError(t, r.Close())

	_, err = r.Run(context.Background(), "candy", make([]float32, pixel.Len()), pixel)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.session("mosaic")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunnerCloseDuringLoad(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	loaded := &session{}
	r := testRunner(t, func(Model) (*session, error) {
		close(started)
		<-release
		return loaded, nil
	}, "candy")

	errc := make(chan error, 1)
	go func() {
		_, err := r.session("candy")
		errc <- err
	}()
	<-started
	require.NoError(t, r.Close())
	close(release)

	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.True(t, loaded.closed)
	assert.Empty(t, r.sessions)
}

func TestRunnerRejectsShape(t *testing.T) {
	r := testRunner(t, instantLoad, "candy")

	_, err := r.Run(context.Background(), "candy", make([]float32, 4), stylize.Shape{N: 1, C: 4, H: 1, W: 1})
	assert.ErrorContains(t, err, "unsupported input shape")

	_, err = r.Run(context.Background(), "candy", make([]float32, 2), pixel)
	assert.ErrorIs(t, err, stylize.ErrShapeMismatch)
}
