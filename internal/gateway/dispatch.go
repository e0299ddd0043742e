package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

// HandlerFunc handles one validated post-handshake request and returns the
// res payload or a wire error. Implementations never write to the socket
// themselves.
type HandlerFunc func(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error)

// HandlerGroup contributes a coherent set of methods to the dispatch table.
// Each domain module (node pairing, system introspection, agents, channels)
// implements one group and registers it at server construction.
type HandlerGroup interface {
	Methods() map[string]HandlerFunc
}

// Dispatcher routes req frames to registered handlers. The table is built at
// construction time and read-only afterwards, so dispatch needs no locking.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With("component", "dispatch"),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a handler group. Duplicate method names are a wiring bug and
// fail loudly.
func (d *Dispatcher) Register(group HandlerGroup) error {
	for method, fn := range group.Methods() {
		if _, exists := d.handlers[method]; exists {
			return fmt.Errorf("duplicate handler for method %q", method)
		}
		d.handlers[method] = fn
	}
	return nil
}

// MethodNames returns the sorted method catalog advertised in hello-ok.
func (d *Dispatcher) MethodNames() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for a request and encodes the res frame. A
// handler that panics or errors never tears down the connection: the failure
// is converted to an UNAVAILABLE res.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, req *protocol.Request) []byte {
	var (
		payload any
		perr    *protocol.Error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("handler panicked", "method", req.Method, "panic", r)
				perr = protocol.Unavailable(fmt.Sprintf("handler failed: %v", r))
			}
		}()
		fn, ok := d.handlers[req.Method]
		if !ok {
			perr = protocol.InvalidRequest(fmt.Sprintf("unknown method: %s", req.Method))
			return
		}
		payload, perr = fn(ctx, c, req)
	}()

	var (
		data []byte
		err  error
	)
	if perr != nil {
		data, err = protocol.EncodeError(req.ID, perr)
	} else {
		data, err = protocol.EncodeOK(req.ID, payload)
	}
	if err != nil {
		d.logger.Error("encode response failed", "method", req.Method, "error", err)
		data, _ = protocol.EncodeError(req.ID, protocol.Unavailable("response encoding failed"))
	}
	return data
}
