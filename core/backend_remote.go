package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// NumericServiceClient is the subset of a remote numeric-service gRPC stub
// the remote backend depends on. Production wiring supplies the real
// generated client; tests supply a fake.
type NumericServiceClient interface {
	Allocate(ctx context.Context, req *AllocateRequest) (*AllocateReply, error)
	Release(ctx context.Context, req *ReleaseRequest) (*ReleaseReply, error)
	Forward(ctx context.Context, req *ForwardRequest) (*ForwardReply, error)
	Train(ctx context.Context, req *TrainRequest) (*TrainReply, error)
	Serialize(ctx context.Context, req *SerializeRequest) (*SerializeReply, error)
	DeserializeInto(ctx context.Context, req *DeserializeRequest) (*DeserializeReply, error)
}

// The Allocate/Forward/Train/Serialize request and reply pairs mirror the
// wire shapes a generated protobuf client would expose; they are declared by
// hand here because no .proto source ships in this module.
type (
	AllocateRequest struct {
		Architecture []int32
		Activation   int32
	}
	AllocateReply struct{ RemoteHandle uint64 }

	ReleaseRequest struct{ RemoteHandle uint64 }
	ReleaseReply   struct{}

	ForwardRequest struct {
		RemoteHandle uint64
		Inputs       []float64
	}
	ForwardReply struct{ Outputs []float64 }

	TrainRequest struct {
		RemoteHandle uint64
		Inputs       [][]float64
		Targets      [][]float64
		Epochs       int32
	}
	TrainReply struct {
		FinalAccuracy    float64
		ConvergenceEpoch int32
	}

	SerializeRequest struct{ RemoteHandle uint64 }
	SerializeReply   struct{ Blob []byte }

	DeserializeRequest struct {
		RemoteHandle uint64
		Blob         []byte
		Blend        float64
	}
	DeserializeReply struct{}
)

// remoteHandle is the Handle returned by remoteBackend; it carries the
// server-side identifier assigned by Allocate.
type remoteHandle struct {
	id_ uint64
}

func (h *remoteHandle) id() uint64 { return h.id_ }

// remoteBackend delegates numeric work to an out-of-process service over
// gRPC, grounded on the teacher's AI engine gRPC client pattern: one dialed
// connection, reused across calls, guarded by a context timeout per call.
type remoteBackend struct {
	conn    *grpc.ClientConn
	client  NumericServiceClient
	timeout time.Duration
	log     *zap.SugaredLogger

	mu  sync.Mutex
	arena *arenaLedger
}

// DialNumericService opens an insecure gRPC connection to a remote numeric
// service, matching the teacher's AI engine, which also dials with
// insecure.NewCredentials() since its counterpart is expected to run on a
// trusted loopback or sidecar link. The returned connection is passed to
// NewRemoteBackend together with a generated NumericServiceClient built
// over it; this module declares the client interface but not protobuf
// bindings, since no .proto source ships with it.
func DialNumericService(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, NewError(KindBackendError, fmt.Sprintf("dial numeric service %s", target), err)
	}
	return conn, nil
}

// NewRemoteBackend wires a caller-supplied client (typically constructed
// over a connection returned by DialNumericService, or a fake in tests) into
// a Backend that proxies every call to it.
func NewRemoteBackend(client NumericServiceClient, conn *grpc.ClientConn, callTimeout time.Duration, arenaCapacity uint64) Backend {
	return &remoteBackend{
		conn:    conn,
		client:  client,
		timeout: callTimeout,
		log:     zap.L().Sugar().Named("backend.remote"),
		arena:   newArenaLedger(arenaCapacity),
	}
}

func (b *remoteBackend) Name() string { return "remote" }

// Close releases the underlying gRPC connection, if any.
func (b *remoteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *remoteBackend) BytesInUse() uint64 { return b.arena.inUse() }

func (b *remoteBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

func (b *remoteBackend) AllocateNetwork(cfg AgentConfig) (Handle, error) {
	size := networkSize(cfg.Architecture)
	if err := b.arena.reserve(size); err != nil {
		return nil, err
	}
	arch := make([]int32, len(cfg.Architecture))
	for i, v := range cfg.Architecture {
		arch[i] = int32(v)
	}
	ctx, cancel := b.ctx()
	defer cancel()
	reply, err := b.client.Allocate(ctx, &AllocateRequest{Architecture: arch, Activation: int32(cfg.Activation)})
	if err != nil {
		b.arena.release(size)
		return nil, NewError(KindBackendError, "remote allocate", err)
	}
	return &remoteHandle{id_: reply.RemoteHandle}, nil
}

func (b *remoteBackend) asRemote(h Handle) (*remoteHandle, error) {
	rh, ok := h.(*remoteHandle)
	if !ok {
		return nil, NewError(KindInvalid, "handle not owned by remote backend", nil)
	}
	return rh, nil
}

func (b *remoteBackend) Release(h Handle) error {
	rh, err := b.asRemote(h)
	if err != nil {
		return err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	if _, err := b.client.Release(ctx, &ReleaseRequest{RemoteHandle: rh.id_}); err != nil {
		return NewError(KindBackendError, "remote release", err)
	}
	return nil
}

func (b *remoteBackend) Forward(h Handle, inputs []float64) ([]float64, error) {
	rh, err := b.asRemote(h)
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	reply, err := b.client.Forward(ctx, &ForwardRequest{RemoteHandle: rh.id_, Inputs: inputs})
	if err != nil {
		return nil, NewError(KindBackendError, "remote forward", err)
	}
	return reply.Outputs, nil
}

func (b *remoteBackend) Train(h Handle, samples []Sample, epochs int) (TrainResult, error) {
	rh, err := b.asRemote(h)
	if err != nil {
		return TrainResult{}, err
	}
	inputs := make([][]float64, len(samples))
	targets := make([][]float64, len(samples))
	for i, s := range samples {
		inputs[i] = s.Input
		targets[i] = s.Target
	}
	ctx, cancel := b.ctx()
	defer cancel()
	reply, err := b.client.Train(ctx, &TrainRequest{RemoteHandle: rh.id_, Inputs: inputs, Targets: targets, Epochs: int32(epochs)})
	if err != nil {
		return TrainResult{}, NewError(KindBackendError, "remote train", err)
	}
	return TrainResult{FinalAccuracy: reply.FinalAccuracy, ConvergenceEpoch: int(reply.ConvergenceEpoch)}, nil
}

func (b *remoteBackend) Serialize(h Handle) ([]byte, error) {
	rh, err := b.asRemote(h)
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	reply, err := b.client.Serialize(ctx, &SerializeRequest{RemoteHandle: rh.id_})
	if err != nil {
		return nil, NewError(KindBackendError, "remote serialize", err)
	}
	return reply.Blob, nil
}

func (b *remoteBackend) DeserializeInto(h Handle, data []byte, blend float64) error {
	rh, err := b.asRemote(h)
	if err != nil {
		return err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	if _, err := b.client.DeserializeInto(ctx, &DeserializeRequest{RemoteHandle: rh.id_, Blob: data, Blend: blend}); err != nil {
		return NewError(KindBackendError, "remote deserialize", err)
	}
	return nil
}
