// Package flightengine runs components on a remote runtime over Arrow
// Flight. Client implements engine.Engine; Service exposes any local
// engine.Engine to such clients.
//
// Control calls (load, create_state, release_state, close) are Flight
// actions with JSON bodies. A run is one DoExchange: the client sends a
// single-row record of tensors, the server answers with the outputs in the
// same encoding.
package flightengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Action types.
const (
	ActionLoad         = "load_component"
	ActionCloseComp    = "close_component"
	ActionCreateState  = "create_state"
	ActionReleaseState = "release_state"
)

// DefaultPort is used when an address has no port.
const DefaultPort = 3100

var ErrNotConnected = errors.New("flight client not connected, call Connect() first")

type loadRequest struct {
	Path     string `json:"path"`
	Function string `json:"function,omitempty"`
}

type handleMessage struct {
	Handle string `json:"handle,omitempty"`
	State  string `json:"state,omitempty"`
}

// Client is a remote engine.Engine.
type Client struct {
	addr    string
	timeout time.Duration
	mem     memory.Allocator
	client  flight.Client
}

var _ engine.Engine = (*Client)(nil)

func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{addr: WithDefaultPort(addr), timeout: timeout, mem: memory.DefaultAllocator}
}

// WithDefaultPort appends DefaultPort to an address that has none.
func WithDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}

// Connect dials the server. The connection is established lazily by grpc.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cl, err := flight.NewClientWithMiddleware(c.addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	c.client = cl
	logger.Log.Debug("flight engine connected", "addr", c.addr)
	return nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// action runs one Flight action and returns the body of its first result.
func (c *Client) action(ctx context.Context, typ string, req any) ([]byte, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", typ, err)
	}
	var first []byte
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return first, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", typ, err)
		}
		if first == nil {
			first = res.Body
		}
	}
}

type remoteComponent struct {
	c        *Client
	handle   string
	path     string
	function string
}

func (r *remoteComponent) Path() string     { return r.path }
func (r *remoteComponent) Function() string { return r.function }

func (r *remoteComponent) Close() error {
	_, err := r.c.action(context.Background(), ActionCloseComp, handleMessage{Handle: r.handle})
	return err
}

type remoteState struct{ id string }

func (s remoteState) ID() string { return s.id }

func (c *Client) LoadComponent(ctx context.Context, path, function string) (engine.Component, error) {
	body, err := c.action(ctx, ActionLoad, loadRequest{Path: path, Function: function})
	if err != nil {
		return nil, err
	}
	var resp handleMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", ActionLoad, err)
	}
	if resp.Handle == "" {
		return nil, fmt.Errorf("%s: server returned no handle for %s", ActionLoad, path)
	}
	return &remoteComponent{c: c, handle: resp.Handle, path: path, function: function}, nil
}

func (c *Client) component(comp engine.Component) (*remoteComponent, error) {
	rc, ok := comp.(*remoteComponent)
	if !ok || rc.c != c {
		return nil, fmt.Errorf("component %s was not loaded by this flight client", comp.Path())
	}
	return rc, nil
}

func (c *Client) CreateState(ctx context.Context, comp engine.Component) (engine.State, error) {
	rc, err := c.component(comp)
	if err != nil {
		return nil, err
	}
	body, err := c.action(ctx, ActionCreateState, handleMessage{Handle: rc.handle})
	if err != nil {
		return nil, &engine.StateCreationError{Path: rc.path, Err: err}
	}
	var resp handleMessage
	if err := json.Unmarshal(body, &resp); err != nil || resp.State == "" {
		return nil, &engine.StateCreationError{Path: rc.path, Err: fmt.Errorf("bad response %q", body)}
	}
	return remoteState{id: resp.State}, nil
}

func (c *Client) ReleaseState(ctx context.Context, s engine.State) error {
	_, err := c.action(ctx, ActionReleaseState, handleMessage{State: s.ID()})
	return err
}

// Run sends inputs through DoExchange and returns the decoded outputs.
func (c *Client) Run(ctx context.Context, comp engine.Component, inputs tensor.Map, s engine.State) (tensor.Map, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	rc, err := c.component(comp)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{metaHandle: rc.handle}
	if s != nil {
		meta[metaState] = s.ID()
	}
	rec, err := EncodeTensors(c.mem, inputs, meta)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write inputs: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send: %w", err)
	}

	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("failed to read outputs: %w", err)
		}
		return nil, fmt.Errorf("exchange returned no outputs")
	}
	return DecodeTensors(r.Record())
}
