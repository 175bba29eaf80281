package kueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	logServiceName = "kueue.LogService"
	jsonCodecName  = "json"

	// maxReadTimeout bounds how long one remote Read may hold a server goroutine.
	maxReadTimeout = 30 * time.Second
)

// jsonCodec carries LogService messages as JSON. Byte slices travel as
// base64 strings and a nil slice as null, so tombstones survive the wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type CreateTopicRequest struct {
	Topic      string `json:"topic"`
	Partitions int32  `json:"partitions"`
}

type PartitionsRequest struct {
	Topic string `json:"topic"`
}

type PartitionsResponse struct {
	Partitions int32 `json:"partitions"`
}

type AppendRequest struct {
	Topic string `json:"topic"`
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type AppendResponse struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

type ReadRequest struct {
	Topic      string `json:"topic"`
	Partition  int32  `json:"partition"`
	FromOffset int64  `json:"fromOffset"`
	MaxRecords int    `json:"maxRecords"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

type ReadResponse struct {
	Records []Record `json:"records"`
}

type CommitRequest struct {
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

type CommittedRequest struct {
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

type OffsetRequest struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

type OffsetResponse struct {
	Offset int64 `json:"offset"`
}

type Empty struct{}

// LogServiceServer is the server API for the kueue.LogService service.
type LogServiceServer interface {
	CreateTopic(context.Context, *CreateTopicRequest) (*Empty, error)
	Partitions(context.Context, *PartitionsRequest) (*PartitionsResponse, error)
	Append(context.Context, *AppendRequest) (*AppendResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	Commit(context.Context, *CommitRequest) (*Empty, error)
	Committed(context.Context, *CommittedRequest) (*OffsetResponse, error)
	EarliestOffset(context.Context, *OffsetRequest) (*OffsetResponse, error)
	LatestOffset(context.Context, *OffsetRequest) (*OffsetResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(LogServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LogServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + logServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LogServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var LogServiceDesc = grpc.ServiceDesc{
	ServiceName: logServiceName,
	HandlerType: (*LogServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTopic", Handler: unaryHandler("CreateTopic", LogServiceServer.CreateTopic)},
		{MethodName: "Partitions", Handler: unaryHandler("Partitions", LogServiceServer.Partitions)},
		{MethodName: "Append", Handler: unaryHandler("Append", LogServiceServer.Append)},
		{MethodName: "Read", Handler: unaryHandler("Read", LogServiceServer.Read)},
		{MethodName: "Commit", Handler: unaryHandler("Commit", LogServiceServer.Commit)},
		{MethodName: "Committed", Handler: unaryHandler("Committed", LogServiceServer.Committed)},
		{MethodName: "EarliestOffset", Handler: unaryHandler("EarliestOffset", LogServiceServer.EarliestOffset)},
		{MethodName: "LatestOffset", Handler: unaryHandler("LatestOffset", LogServiceServer.LatestOffset)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kueue/server.go",
}

func RegisterLogServiceServer(s grpc.ServiceRegistrar, srv LogServiceServer) {
	s.RegisterService(&LogServiceDesc, srv)
}

// LogServer exposes a LogStorage over gRPC.
type LogServer struct {
	storage LogStorage
	logger  logrus.Entry
}

var _ LogServiceServer = (*LogServer)(nil)

func NewLogServer(storage LogStorage, logger logrus.Entry) *LogServer {
	return &LogServer{storage: storage, logger: logger}
}

func (s *LogServer) CreateTopic(ctx context.Context, req *CreateTopicRequest) (*Empty, error) {
	if err := s.storage.CreateTopic(ctx, req.Topic, req.Partitions); err != nil {
		return nil, s.toStatus("CreateTopic", err)
	}
	return &Empty{}, nil
}

func (s *LogServer) Partitions(ctx context.Context, req *PartitionsRequest) (*PartitionsResponse, error) {
	n, err := s.storage.Partitions(ctx, req.Topic)
	if err != nil {
		return nil, s.toStatus("Partitions", err)
	}
	return &PartitionsResponse{Partitions: n}, nil
}

func (s *LogServer) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	partition, offset, err := s.storage.Append(ctx, req.Topic, req.Key, req.Value)
	if err != nil {
		return nil, s.toStatus("Append", err)
	}
	return &AppendResponse{Partition: partition, Offset: offset}, nil
}

func (s *LogServer) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	timeout := min(time.Duration(req.TimeoutMs)*time.Millisecond, maxReadTimeout)
	records, err := s.storage.Read(ctx, req.Topic, req.Partition, req.FromOffset, req.MaxRecords, timeout)
	if err != nil {
		return nil, s.toStatus("Read", err)
	}
	return &ReadResponse{Records: records}, nil
}

func (s *LogServer) Commit(ctx context.Context, req *CommitRequest) (*Empty, error) {
	if err := s.storage.Commit(ctx, req.Group, req.Topic, req.Partition, req.Offset); err != nil {
		return nil, s.toStatus("Commit", err)
	}
	return &Empty{}, nil
}

func (s *LogServer) Committed(ctx context.Context, req *CommittedRequest) (*OffsetResponse, error) {
	offset, err := s.storage.Committed(ctx, req.Group, req.Topic, req.Partition)
	if err != nil {
		return nil, s.toStatus("Committed", err)
	}
	return &OffsetResponse{Offset: offset}, nil
}

func (s *LogServer) EarliestOffset(ctx context.Context, req *OffsetRequest) (*OffsetResponse, error) {
	offset, err := s.storage.EarliestOffset(ctx, req.Topic, req.Partition)
	if err != nil {
		return nil, s.toStatus("EarliestOffset", err)
	}
	return &OffsetResponse{Offset: offset}, nil
}

func (s *LogServer) LatestOffset(ctx context.Context, req *OffsetRequest) (*OffsetResponse, error) {
	offset, err := s.storage.LatestOffset(ctx, req.Topic, req.Partition)
	if err != nil {
		return nil, s.toStatus("LatestOffset", err)
	}
	return &OffsetResponse{Offset: offset}, nil
}

func (s *LogServer) toStatus(method string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, ErrUnknownTopic):
		code = codes.NotFound
	case errors.Is(err, ErrUnknownPartition):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrOffsetOutOfRange):
		code = codes.OutOfRange
	case errors.Is(err, ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, ErrTopicExists):
		code = codes.AlreadyExists
	case errors.Is(err, ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	if code == codes.Internal {
		s.logger.WithField("Topic", DServer).Errorf("%s failed: %v", method, err)
	} else {
		s.logger.WithField("Topic", DServer).Debugf("%s rejected: %v", method, err)
	}
	return status.Error(code, err.Error())
}
