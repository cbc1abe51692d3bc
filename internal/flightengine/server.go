package flightengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// Service serves a local engine to flight Clients. Handles are opaque ids
// the client echoes back.
type Service struct {
	flight.BaseFlightServer

	eng    engine.Engine
	mem    memory.Allocator
	mu     sync.Mutex
	comps  map[string]engine.Component
	states map[string]engine.State
}

func NewService(eng engine.Engine) *Service {
	return &Service{
		eng:    eng,
		mem:    memory.DefaultAllocator,
		comps:  make(map[string]engine.Component),
		states: make(map[string]engine.State),
	}
}

func (s *Service) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ctx := stream.Context()
	resp, err := s.handle(ctx, action)
	if err != nil {
		logger.Log.Warn("flight action failed", "action", action.Type, "error", err)
		return err
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Service) handle(ctx context.Context, action *flight.Action) (handleMessage, error) {
	var none handleMessage
	switch action.Type {
	case ActionLoad:
		var req loadRequest
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return none, status.Errorf(codes.InvalidArgument, "decode %s: %v", action.Type, err)
		}
		c, err := s.eng.LoadComponent(ctx, req.Path, req.Function)
		if err != nil {
			return none, status.Errorf(codes.FailedPrecondition, "load %s: %v", req.Path, err)
		}
		id := uuid.NewString()
		s.mu.Lock()
		s.comps[id] = c
		s.mu.Unlock()
		return handleMessage{Handle: id}, nil
	}

	var req handleMessage
	if err := json.Unmarshal(action.Body, &req); err != nil {
		return none, status.Errorf(codes.InvalidArgument, "decode %s: %v", action.Type, err)
	}
	switch action.Type {
	case ActionCloseComp:
		s.mu.Lock()
		c, ok := s.comps[req.Handle]
		delete(s.comps, req.Handle)
		s.mu.Unlock()
		if !ok {
			return none, status.Errorf(codes.NotFound, "unknown component handle %q", req.Handle)
		}
		return none, c.Close()
	case ActionCreateState:
		c, err := s.component(req.Handle)
		if err != nil {
			return none, err
		}
		st, err := s.eng.CreateState(ctx, c)
		if err != nil {
			return none, status.Errorf(codes.ResourceExhausted, "create state: %v", err)
		}
		s.mu.Lock()
		s.states[st.ID()] = st
		s.mu.Unlock()
		return handleMessage{State: st.ID()}, nil
	case ActionReleaseState:
		s.mu.Lock()
		st, ok := s.states[req.State]
		delete(s.states, req.State)
		s.mu.Unlock()
		if !ok {
			return none, status.Errorf(codes.NotFound, "unknown state %q", req.State)
		}
		return none, s.eng.ReleaseState(ctx, st)
	}
	return none, status.Errorf(codes.Unimplemented, "unknown action %q", action.Type)
}

func (s *Service) component(handle string) (engine.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comps[handle]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown component handle %q", handle)
	}
	return c, nil
}

// DoExchange runs one component call per stream.
func (s *Service) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read inputs: %v", err)
	}
	defer r.Release()
	if !r.Next() {
		return status.Error(codes.InvalidArgument, "exchange carried no record")
	}
	rec := r.Record()
	inputs, err := DecodeTensors(rec)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode inputs: %v", err)
	}

	c, err := s.component(schemaMeta(rec.Schema(), metaHandle))
	if err != nil {
		return err
	}
	var st engine.State
	if id := schemaMeta(rec.Schema(), metaState); id != "" {
		s.mu.Lock()
		st = s.states[id]
		s.mu.Unlock()
		if st == nil {
			return status.Errorf(codes.NotFound, "unknown state %q", id)
		}
	}

	outputs, err := s.eng.Run(stream.Context(), c, inputs, st)
	if err != nil {
		return status.Errorf(codes.Aborted, "run %s: %v", c.Path(), err)
	}
	out, err := EncodeTensors(s.mem, outputs, nil)
	if err != nil {
		return status.Errorf(codes.Internal, "encode outputs: %v", err)
	}
	defer out.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.mem))
	if err := w.Write(out); err != nil {
		return err
	}
	return w.Close()
}

// NewServer binds a Flight server for eng on addr ("host:port", port 0
// picks a free one). Call Serve to start it and Shutdown to stop.
func NewServer(addr string, eng engine.Engine) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight server init %s: %w", addr, err)
	}
	srv.RegisterFlightService(NewService(eng))
	return srv, nil
}
