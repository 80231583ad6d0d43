package flight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
	"github.com/23skdu/longbow-groupnorm/internal/tensorio"
)

const DefaultTimeout = 30 * time.Second

// Client invokes a remote group norm Service.
type Client struct {
	client  arrowflight.Client
	mem     memory.Allocator
	timeout time.Duration
}

// NewClient dials addr without transport security unless opts override it.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	dial := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	c, err := arrowflight.NewClientWithMiddleware(addr, nil, nil, dial...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{client: c, mem: memory.DefaultAllocator, timeout: DefaultTimeout}, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Normalize sends one set of named inputs and returns Y.
func (c *Client) Normalize(ctx context.Context, inputs map[string]*cpu.Tensor) (*cpu.Tensor, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rec, err := tensorio.Encode(c.mem, inputs)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return c.exchange(ctx, rec)
}

// exchange sends one request record and decodes Y from the response.
func (c *Client) exchange(ctx context.Context, rec arrow.Record) (*cpu.Tensor, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}

	w := arrowflight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(&arrowflight.FlightDescriptor{
		Type: arrowflight.DescriptorCMD,
		Cmd:  []byte(groupnorm.OpName),
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("send inputs: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	rdr, err := arrowflight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, fmt.Errorf("exchange: %w", err)
		}
		return nil, errors.New("exchange: no response record")
	}
	out, err := tensorio.Decode(rdr.Record())
	if err != nil {
		return nil, err
	}
	y, ok := out[groupnorm.OutputY]
	if !ok {
		return nil, fmt.Errorf("exchange: response has no %s", groupnorm.OutputY)
	}

	// Drain so the server sees the stream finish cleanly.
	for rdr.Next() {
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	return y, nil
}

// Describe fetches the remote op descriptor.
func (c *Client) Describe(ctx context.Context) (groupnorm.Descriptor, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var desc groupnorm.Descriptor
	stream, err := c.client.DoAction(ctx, &arrowflight.Action{Type: ActionDescribe})
	if err != nil {
		return desc, fmt.Errorf("describe: %w", err)
	}
	res, err := stream.Recv()
	if err != nil {
		return desc, fmt.Errorf("describe: %w", err)
	}
	if err := json.Unmarshal(res.Body, &desc); err != nil {
		return desc, fmt.Errorf("describe: decode: %w", err)
	}
	return desc, nil
}
