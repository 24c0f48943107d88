package server

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/contact-order/internal/structure"
	"github.com/ChuLiYu/contact-order/internal/task"
)

// Server implements ComputeServer on top of the local file task.
type Server struct {
	reader *structure.Reader
	cutoff float64
	cache  *task.ResultCache
	log    *slog.Logger

	computed atomic.Int64
	hits     atomic.Int64
}

// NewServer creates a remote worker. cutoff is used when a request omits it;
// cache may be nil.
func NewServer(cutoff float64, cache *task.ResultCache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		reader: structure.NewReader(),
		cutoff: cutoff,
		cache:  cache,
		log:    logger.With("component", "worker-server"),
	}
}

// Compute handles one file. Per-file failures are returned in the response,
// only malformed requests fail the RPC.
func (s *Server) Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path, cutoff, hasCutoff, err := DecodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !hasCutoff {
		cutoff = s.cutoff
	}
	if math.IsNaN(cutoff) || cutoff <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid distance cutoff %v", cutoff)
	}

	if r, ok := s.cache.Lookup(path, cutoff); ok {
		s.hits.Add(1)
		return EncodeResult(r), nil
	}

	r := task.Run(ctx, s.reader, path, cutoff)
	if err := ctx.Err(); err != nil {
		// 呼叫端已放棄，結果不可信也不快取
		return nil, status.FromContextError(err).Err()
	}
	s.cache.Store(path, cutoff, r)
	s.computed.Add(1)

	if !r.OK() {
		s.log.Debug("File failed", "file", path, "kind", r.Err.Kind, "error", r.Err.Message)
	}
	return EncodeResult(r), nil
}

// Stats returns the number of computed results and cache hits
func (s *Server) Stats() (computed, hits int64) {
	return s.computed.Load(), s.hits.Load()
}
