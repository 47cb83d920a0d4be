package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/protocol"
)

type dispatchRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *dispatchRecorder) dispatch(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *dispatchRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

func TestControlServer_DispatchesValidCommands(t *testing.T) {
	input := strings.Join([]string{
		`{"id":1,"method":"relay-bridge:status"}`,
		``,
		`{"id":2,"method":"workspace:open","params":{"workspaceId":"w1"}}`,
	}, "\n") + "\n"

	recorder := &dispatchRecorder{}
	out := &syncBuffer{}
	server := NewControlServer(zap.NewNop(), strings.NewReader(input), out)
	server.SetDispatch(recorder.dispatch)

	require.NoError(t, server.Run(context.Background()))

	events := recorder.all()
	require.Len(t, events, 2)

	first := events[0].(ControlCommandEvent)
	assert.Equal(t, int64(1), first.Command.ID)
	assert.Equal(t, protocol.ControlRelayStatus, first.Command.Method)

	second := events[1].(ControlCommandEvent)
	assert.Equal(t, protocol.ControlWorkspaceOpen, second.Command.Method)
	assert.JSONEq(t, `{"workspaceId":"w1"}`, string(second.Command.Params))
}

func TestControlServer_RejectsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`this is not json`,
		`{"id":3,"method":"no.such.method"}`,
		`{"id":4,"method":"relay-bridge:enable"}`,
	}, "\n") + "\n"

	recorder := &dispatchRecorder{}
	out := &syncBuffer{}
	server := NewControlServer(zap.NewNop(), strings.NewReader(input), out)
	server.SetDispatch(recorder.dispatch)

	require.NoError(t, server.Run(context.Background()))

	// Only the whitelisted command reached the dispatcher.
	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(
		t,
		protocol.ControlRelayEnable,
		events[0].(ControlCommandEvent).Command.Method,
	)

	lines := out.lines()
	require.Len(t, lines, 2)
	for _, line := range lines {
		response := &protocol.ControlResponse{}
		require.NoError(t, json.Unmarshal([]byte(line), response))
		require.NotNil(t, response.Error)
		assert.Equal(t, controlErrBadRequest, response.Error.Code)
	}
}

func TestControlServer_ResponsesAreSingleLines(t *testing.T) {
	out := &syncBuffer{}
	server := NewControlServer(zap.NewNop(), strings.NewReader(""), out)

	command := &protocol.ControlCommand{ID: 7, Method: protocol.ControlRelayStatus}
	server.Respond(command, map[string]any{"enabled": true})
	server.RespondError(
		command,
		controlErrInternal,
		assert.AnError,
	)
	server.Notify(protocol.NotifyUpdateApplied, map[string]any{"entityId": "e1"})

	lines := out.lines()
	require.Len(t, lines, 3)

	response := &protocol.ControlResponse{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), response))
	assert.Equal(t, int64(7), response.ID)
	assert.Nil(t, response.Error)

	failure := &protocol.ControlResponse{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), failure))
	require.NotNil(t, failure.Error)
	assert.Equal(t, controlErrInternal, failure.Error.Code)

	notification := &protocol.ControlResponse{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), notification))
	assert.Zero(t, notification.ID)
	assert.Equal(t, protocol.NotifyUpdateApplied, notification.Method)
}

func TestControlServer_ConcurrentWritersNeverInterleave(t *testing.T) {
	out := &syncBuffer{}
	server := NewControlServer(zap.NewNop(), strings.NewReader(""), out)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				server.Notify(protocol.NotifyPresence, map[string]any{
					"writer": n,
					"seq":    j,
				})
			}
		}(i)
	}
	wg.Wait()

	lines := out.lines()
	require.Len(t, lines, 16*50)
	for _, line := range lines {
		response := &protocol.ControlResponse{}
		require.NoError(t, json.Unmarshal([]byte(line), response))
	}
}

func TestWorkerPool_RunsJobsAndDispatchesResults(t *testing.T) {
	recorder := &dispatchRecorder{}
	pool := NewWorkerPool(zap.NewNop(), 4, recorder.dispatch)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Error(t, pool.Start(context.Background()))

	for i := 0; i < 8; i++ {
		entityID := string(rune('a' + i))
		ok := pool.Submit(func() Event {
			return AppliedUpdateEvent{EntityID: entityID}
		})
		require.True(t, ok)
	}
	// Nil results are swallowed, not dispatched.
	require.True(t, pool.Submit(func() Event { return nil }))

	require.Eventually(t, func() bool {
		return len(recorder.all()) == 8
	}, 5*time.Second, time.Millisecond)

	seen := map[string]bool{}
	for _, event := range recorder.all() {
		seen[event.(AppliedUpdateEvent).EntityID] = true
	}
	assert.Len(t, seen, 8)
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(zap.NewNop(), 2, func(Event) {})
	require.NoError(t, pool.Start(context.Background()))
	pool.Stop()
	pool.Stop()

	assert.False(t, pool.Submit(func() Event { return nil }))
}
