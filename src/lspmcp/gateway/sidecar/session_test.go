package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lspmux/lspmcp/src/lspmcp/internal/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProcess stands in for the exec-backed process so sessions can run
// over in-memory pipes.
type fakeProcess struct {
	once   sync.Once
	done   chan struct{}
	killed bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.killed = true
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

// testPeer plays the sidecar's half of the conversation over the pipes the
// session is wired to.
type testPeer struct {
	requests *framing.Reader
	replies  *framing.Writer
	stdoutW  *io.PipeWriter
}

type peerMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (p *testPeer) read() (peerMessage, error) {
	body, err := p.requests.ReadMessage()
	if err != nil {
		return peerMessage{}, err
	}
	var msg peerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return peerMessage{}, err
	}
	return msg, nil
}

func (p *testPeer) reply(id int64, result string) error {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
	return p.replies.WriteMessage([]byte(body))
}

func (p *testPeer) replyError(id int64, code int, message string) error {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message)
	return p.replies.WriteMessage([]byte(body))
}

func (p *testPeer) send(raw string) error {
	return p.replies.WriteMessage([]byte(raw))
}

func newTestSession(t *testing.T, cfg Config) (*session, *testPeer, *fakeProcess) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	proc := newFakeProcess()

	s := newSession(cfg, zap.NewNop().Sugar(), tally.NewTestScope("test", nil), stdinW, stdoutR, proc)
	peer := &testPeer{
		requests: framing.NewReader(stdinR, 0),
		replies:  framing.NewWriter(stdoutW),
		stdoutW:  stdoutW,
	}

	t.Cleanup(func() {
		stdoutW.Close()
		stdinR.Close()
		assert.Eventually(t, func() bool { return !s.Alive() }, time.Second, time.Millisecond)
	})
	return s, peer, proc
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	go func() {
		first, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		second, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		// Answer in reverse arrival order.
		assert.NoError(t, peer.reply(second.ID, fmt.Sprintf(`{"method":%q}`, second.Method)))
		assert.NoError(t, peer.reply(first.ID, fmt.Sprintf(`{"method":%q}`, first.Method)))
	}()

	type echo struct {
		Method string `json:"method"`
	}

	var wg sync.WaitGroup
	for _, method := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			var out echo
			if assert.NoError(t, s.Call(context.Background(), method, nil, &out)) {
				assert.Equal(t, method, out.Method)
			}
		}(method)
	}
	wg.Wait()

	assert.Equal(t, 0, s.pending.pendingCount())
}

func TestCallTimeoutAbandonsRequest(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{RequestTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := peer.read()
		assert.NoError(t, err)
		// Never reply.
	}()

	err := s.Call(context.Background(), "slow", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, 0, s.pending.pendingCount(), "timed-out request must not leak a pending entry")
	assert.True(t, s.Alive(), "timeout must not kill the session")
	<-done
}

func TestCallContextCancellation(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := peer.read()
		assert.NoError(t, err)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Call(ctx, "cancelled", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.pending.pendingCount())
	<-done
}

func TestCallFailsFastAfterConnectionLoss(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	peer.stdoutW.Close()
	require.Eventually(t, func() bool { return !s.Alive() }, time.Second, time.Millisecond)
	assert.Equal(t, StateTerminated, s.State())

	err := s.Call(context.Background(), "anything", nil, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, s.Notify(context.Background(), "anything", nil), ErrNotRunning)
}

func TestInFlightCallFailsOnConnectionLoss(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	go func() {
		_, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		peer.stdoutW.Close()
	}()

	err := s.Call(context.Background(), "doomed", nil, nil)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestCallSurfacesServerError(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	go func() {
		req, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, peer.replyError(req.ID, -32601, "method not found"))

		req, err = peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, peer.reply(req.ID, `"ok"`))
	}()

	err := s.Call(context.Background(), "nope", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
	assert.True(t, s.Alive(), "a protocol error must not kill the session")

	var out string
	require.NoError(t, s.Call(context.Background(), "next", nil, &out))
	assert.Equal(t, "ok", out)
}

func TestUnmatchedResponsesAreNotFatal(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	go func() {
		// A response nobody asked for, then a pushed notification.
		assert.NoError(t, peer.send(`{"jsonrpc":"2.0","id":999,"result":{}}`))
		assert.NoError(t, peer.send(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{}}`))
		assert.NoError(t, peer.send(`{"jsonrpc":"2.0","id":"weird-string-id","result":{}}`))

		req, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, peer.reply(req.ID, `"alive"`))
	}()

	var out string
	require.NoError(t, s.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "alive", out)
}

func TestHandshake(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{WorkspaceRoot: "/workspace"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "initialize", req.Method)
		assert.Contains(t, string(req.Params), `"file:///workspace"`)
		assert.NoError(t, peer.reply(req.ID, `{"capabilities":{}}`))

		note, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "initialized", note.Method)
		assert.Zero(t, note.ID, "initialized must be a notification")
	}()

	require.NoError(t, s.handshake(context.Background()))
	<-done
	assert.Equal(t, StateReady, s.State())
}

func TestShutdownOrderly(t *testing.T) {
	s, peer, proc := newTestSession(t, Config{ShutdownGracePeriod: time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "shutdown", req.Method)
		assert.NoError(t, peer.reply(req.ID, "null"))

		note, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "exit", note.Method)
		proc.exit()
		peer.stdoutW.Close()
	}()

	s.Shutdown(context.Background())
	<-done
	assert.Equal(t, StateTerminated, s.State())
	assert.False(t, proc.killed)

	// Safe to call again after the process is gone.
	require.Eventually(t, func() bool { return !s.Alive() }, time.Second, time.Millisecond)
	s.Shutdown(context.Background())
	assert.Equal(t, StateTerminated, s.State())
}

func TestShutdownKillsAfterGracePeriod(t *testing.T) {
	s, peer, proc := newTestSession(t, Config{
		RequestTimeout:      50 * time.Millisecond,
		ShutdownGracePeriod: 50 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, peer.reply(req.ID, "null"))

		_, err = peer.read()
		assert.NoError(t, err)
		// Acknowledge exit but never terminate.
	}()

	s.Shutdown(context.Background())
	<-done
	assert.True(t, proc.killed, "process must be killed after the grace period")
	assert.Equal(t, StateTerminated, s.State())
}

func TestDrainAllOnReaderExitWithPendingCalls(t *testing.T) {
	s, peer, _ := newTestSession(t, Config{})

	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Call(context.Background(), "stuck", nil, nil)
			assert.ErrorIs(t, err, ErrConnectionLost)
		}()
	}

	for i := 0; i < callers; i++ {
		_, err := peer.read()
		require.NoError(t, err)
	}
	peer.stdoutW.Close()

	wg.Wait()
	assert.Equal(t, 0, s.pending.pendingCount())
}
