// Package flight exposes the group norm session over Arrow Flight. A caller
// opens a DoExchange stream, writes one tensorio record per invocation and
// reads back one record holding Y.
package flight

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
	"github.com/23skdu/longbow-groupnorm/internal/logger"
	"github.com/23skdu/longbow-groupnorm/internal/metrics"
	"github.com/23skdu/longbow-groupnorm/internal/ops"
	"github.com/23skdu/longbow-groupnorm/internal/tensorio"
)

// ActionDescribe returns the op descriptor as JSON.
const ActionDescribe = "describe"

// Service implements the Flight RPCs on top of one session.
type Service struct {
	arrowflight.BaseFlightServer

	session *ops.Session
	mem     memory.Allocator
}

func NewService(session *ops.Session, mem memory.Allocator) *Service {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Service{session: session, mem: mem}
}

func (s *Service) DoExchange(stream arrowflight.FlightService_DoExchangeServer) error {
	rdr, err := arrowflight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		metrics.RecordFlightExchange("bad_request")
		return status.Errorf(codes.InvalidArgument, "read request schema: %v", err)
	}
	defer rdr.Release()

	var w *arrowflight.Writer
	defer func() {
		if w != nil {
			w.Close()
		}
	}()

	for rdr.Next() {
		out, err := s.normalize(rdr.Record())
		if err != nil {
			st := toStatus(err)
			metrics.RecordFlightExchange(st.Code().String())
			logger.Log.Warn("exchange failed", "code", st.Code().String(), "error", err)
			return st.Err()
		}
		if w == nil {
			w = arrowflight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(s.mem))
		}
		err = w.Write(out)
		out.Release()
		if err != nil {
			metrics.RecordFlightExchange(codes.Unavailable.String())
			return status.Errorf(codes.Unavailable, "write response: %v", err)
		}
		metrics.RecordFlightExchange(codes.OK.String())
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "read request: %v", err)
	}
	return nil
}

// normalize runs one request record through the session and encodes Y.
func (s *Service) normalize(rec arrow.Record) (arrow.Record, error) {
	inputs, err := tensorio.Decode(rec)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	y, err := s.session.Run(inputs)
	if err != nil {
		return nil, err
	}
	defer s.session.Release(y)
	return tensorio.Encode(s.mem, map[string]*cpu.Tensor{groupnorm.OutputY: y})
}

func (s *Service) ListActions(_ *arrowflight.Empty, stream arrowflight.FlightService_ListActionsServer) error {
	return stream.Send(&arrowflight.ActionType{
		Type:        ActionDescribe,
		Description: "return the op descriptor as JSON",
	})
}

func (s *Service) DoAction(action *arrowflight.Action, stream arrowflight.FlightService_DoActionServer) error {
	switch action.GetType() {
	case ActionDescribe:
		body, err := json.Marshal(s.session.Descriptor())
		if err != nil {
			return status.Errorf(codes.Internal, "encode descriptor: %v", err)
		}
		return stream.Send(&arrowflight.Result{Body: body})
	default:
		return status.Errorf(codes.Unimplemented, "unknown action %q", action.GetType())
	}
}

// toStatus maps session errors onto gRPC codes.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, groupnorm.ErrShapeMismatch),
		errors.Is(err, ops.ErrBadWiring):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, groupnorm.ErrConfiguration):
		return status.New(codes.FailedPrecondition, err.Error())
	default:
		return status.New(codes.Internal, fmt.Sprintf("run %s: %v", groupnorm.OpName, err))
	}
}
