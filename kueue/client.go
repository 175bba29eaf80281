package kueue

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// RemoteStorage is a LogStorage backed by a LogService reached over gRPC.
type RemoteStorage struct {
	conn   *grpc.ClientConn
	logger logrus.Entry
}

var _ LogStorage = (*RemoteStorage)(nil)

// Dial connects to a LogService at addr, in the form host:port. Extra options
// are appended after the defaults, so tests can swap the dialer.
func Dial(addr string, logger logrus.Entry, extra ...grpc.DialOption) (*RemoteStorage, error) {
	var opts []grpc.DialOption
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)))
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	logger.WithField("Topic", DClient).Infof("Connected to log service at %s", addr)
	return &RemoteStorage{conn: conn, logger: logger}, nil
}

func (c *RemoteStorage) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+logServiceName+"/"+method, req, resp)
	if err != nil {
		return fromStatus(ctx, err)
	}
	return nil
}

func (c *RemoteStorage) CreateTopic(ctx context.Context, topic string, partitions int32) error {
	return c.invoke(ctx, "CreateTopic", &CreateTopicRequest{Topic: topic, Partitions: partitions}, &Empty{})
}

func (c *RemoteStorage) Partitions(ctx context.Context, topic string) (int32, error) {
	resp := &PartitionsResponse{}
	if err := c.invoke(ctx, "Partitions", &PartitionsRequest{Topic: topic}, resp); err != nil {
		return 0, err
	}
	return resp.Partitions, nil
}

func (c *RemoteStorage) Append(ctx context.Context, topic string, key, value []byte) (int32, int64, error) {
	resp := &AppendResponse{}
	if err := c.invoke(ctx, "Append", &AppendRequest{Topic: topic, Key: key, Value: value}, resp); err != nil {
		return 0, 0, err
	}
	return resp.Partition, resp.Offset, nil
}

func (c *RemoteStorage) Read(ctx context.Context, topic string, partition int32, fromOffset int64, maxRecords int, timeout time.Duration) ([]Record, error) {
	req := &ReadRequest{
		Topic:      topic,
		Partition:  partition,
		FromOffset: fromOffset,
		MaxRecords: maxRecords,
		TimeoutMs:  timeout.Milliseconds(),
	}
	resp := &ReadResponse{}
	if err := c.invoke(ctx, "Read", req, resp); err != nil {
		return nil, err
	}
	if resp.Records == nil {
		return []Record{}, nil
	}
	return resp.Records, nil
}

func (c *RemoteStorage) Commit(ctx context.Context, group, topic string, partition int32, offset int64) error {
	req := &CommitRequest{Group: group, Topic: topic, Partition: partition, Offset: offset}
	return c.invoke(ctx, "Commit", req, &Empty{})
}

func (c *RemoteStorage) Committed(ctx context.Context, group, topic string, partition int32) (int64, error) {
	resp := &OffsetResponse{}
	req := &CommittedRequest{Group: group, Topic: topic, Partition: partition}
	if err := c.invoke(ctx, "Committed", req, resp); err != nil {
		return -1, err
	}
	return resp.Offset, nil
}

func (c *RemoteStorage) EarliestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	resp := &OffsetResponse{}
	if err := c.invoke(ctx, "EarliestOffset", &OffsetRequest{Topic: topic, Partition: partition}, resp); err != nil {
		return 0, err
	}
	return resp.Offset, nil
}

func (c *RemoteStorage) LatestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	resp := &OffsetResponse{}
	if err := c.invoke(ctx, "LatestOffset", &OffsetRequest{Topic: topic, Partition: partition}, resp); err != nil {
		return 0, err
	}
	return resp.Offset, nil
}

func (c *RemoteStorage) Close() error {
	return c.conn.Close()
}

// fromStatus maps a gRPC status back onto the LogStorage sentinels.
func fromStatus(ctx context.Context, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = ErrUnknownTopic
	case codes.FailedPrecondition:
		sentinel = ErrUnknownPartition
	case codes.OutOfRange:
		sentinel = ErrOffsetOutOfRange
	case codes.InvalidArgument:
		sentinel = ErrInvalid
	case codes.AlreadyExists:
		sentinel = ErrTopicExists
	case codes.Canceled:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sentinel = ErrUnavailable
	case codes.DeadlineExceeded:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sentinel = ErrUnavailable
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		sentinel = ErrUnavailable
	default:
		return fmt.Errorf("log service: %s", st.Message())
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
