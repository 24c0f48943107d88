package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// ErrNoWorkers is returned by Dial when no address is given
var ErrNoWorkers = errors.New("no remote worker addresses")

// Client is a task.Processor that sends each file to a remote worker.
// Workers are used round-robin and must see the same paths as the coordinator.
type Client struct {
	conns  []*grpc.ClientConn
	next   atomic.Uint64
	cutoff float64
}

// Dial connects to every worker address. Without options the connection is
// plaintext.
func Dial(addrs []string, cutoff float64, opts ...grpc.DialOption) (*Client, error) {
	if len(addrs) == 0 {
		return nil, ErrNoWorkers
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	c := &Client{cutoff: cutoff}
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to dial worker %s: %w", addr, err)
		}
		c.conns = append(c.conns, conn)
	}
	return c, nil
}

// Process implements task.Processor
func (c *Client) Process(ctx context.Context, path string) types.ContactOrderResult {
	conn := c.conns[(c.next.Add(1)-1)%uint64(len(c.conns))]

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, computeMethod, EncodeRequest(path, c.cutoff), out); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Failure(path, types.NewError(types.KindTimeout, "task timed out"))
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return types.Failure(path, types.NewError(types.KindCancelled, "task cancelled"))
		}
		return types.Failure(path, types.NewError(types.KindUnexpectedFailure, fmt.Sprintf("remote worker %s: %v", conn.Target(), status.Convert(err).Message())))
	}

	r, err := DecodeResult(out)
	if err != nil {
		return types.Failure(path, types.NewError(types.KindUnexpectedFailure, err.Error()))
	}
	r.File = path
	return r
}

// Close closes all worker connections
func (c *Client) Close() error {
	var errs []error
	for _, conn := range c.conns {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}
