package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/protocol"
)

// Control error codes surfaced to the host.
const (
	controlErrBadRequest = 400
	controlErrInternal   = 500
)

// ControlServer speaks the newline-delimited JSON protocol with the UI host
// over the engine's stdio. Commands are decoded at the read boundary and
// handed to the dispatcher; responses and notifications are serialized
// under a write lock so concurrent notifiers never interleave lines.
type ControlServer struct {
	logger *zap.Logger
	reader io.Reader

	dispatch func(Event)

	mu     sync.Mutex
	writer io.Writer
}

func NewControlServer(
	logger *zap.Logger,
	reader io.Reader,
	writer io.Writer,
) *ControlServer {
	return &ControlServer{
		logger: logger.Named("control"),
		reader: reader,
		writer: writer,
	}
}

// SetDispatch installs the engine's event sink. Must be set before Run.
func (c *ControlServer) SetDispatch(fn func(Event)) {
	c.dispatch = fn
}

// Run reads commands until the host closes its end or the context ends.
func (c *ControlServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		command, err := protocol.DecodeControlCommand(line)
		if err != nil {
			c.logger.Warn("rejected control line", zap.Error(err))
			c.writeLine(&protocol.ControlResponse{
				Method: "error",
				Error: &protocol.ControlError{
					Code:    controlErrBadRequest,
					Message: err.Error(),
				},
			})
			continue
		}

		controlCommandsTotal.WithLabelValues(command.Method).Inc()
		c.dispatch(ControlCommandEvent{Command: command})
	}

	return errors.Wrap(scanner.Err(), "control server")
}

// Respond answers one command.
func (c *ControlServer) Respond(
	command *protocol.ControlCommand,
	result any,
) {
	c.writeLine(&protocol.ControlResponse{
		ID:     command.ID,
		Method: command.Method,
		Result: result,
	})
}

// RespondError answers one command with a failure.
func (c *ControlServer) RespondError(
	command *protocol.ControlCommand,
	code int,
	err error,
) {
	c.writeLine(&protocol.ControlResponse{
		ID:     command.ID,
		Method: command.Method,
		Error: &protocol.ControlError{
			Code:    code,
			Message: err.Error(),
		},
	})
}

// Notify pushes an asynchronous notification to the host.
func (c *ControlServer) Notify(method string, payload any) {
	c.writeLine(&protocol.ControlResponse{
		Method: method,
		Result: payload,
	})
}

func (c *ControlServer) writeLine(response *protocol.ControlResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		c.logger.Error("could not encode control response", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		c.logger.Warn("control write failed", zap.Error(err))
	}
}
