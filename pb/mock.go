// Package pb holds the hand-written wire contract for the state treasury
// (OASIS) gateway. The real service speaks gRPC; until its proto is published
// these types mirror the agreed message shapes, and MockGatewayClient stands
// in for local runs and tests.
package pb

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Batch disposition codes as the treasury reports them.
type BatchDisposition int32

const (
	BatchDisposition_PENDING  BatchDisposition = 0
	BatchDisposition_ACCEPTED BatchDisposition = 1
	BatchDisposition_REJECTED BatchDisposition = 2
)

func (d BatchDisposition) String() string {
	switch d {
	case BatchDisposition_ACCEPTED:
		return "ACCEPTED"
	case BatchDisposition_REJECTED:
		return "REJECTED"
	default:
		return "PENDING"
	}
}

// SubmitBatchRequest carries one rendered export file.
type SubmitBatchRequest struct {
	BatchCode         string
	FormatVersion     string
	RecordCount       int32
	ControlTotalCents int64
	Sha256            string
	Content           []byte
	SubmittedAt       *timestamppb.Timestamp
}

// SubmitBatchResponse acknowledges receipt of the file, not acceptance.
type SubmitBatchResponse struct {
	ReceiptId  string
	ReceivedAt *timestamppb.Timestamp
}

// GetBatchStatusRequest polls a previously submitted batch by receipt.
type GetBatchStatusRequest struct {
	ReceiptId string
}

// GetBatchStatusResponse reports the treasury's disposition.
type GetBatchStatusResponse struct {
	ReceiptId    string
	Disposition  BatchDisposition
	Reference    string // treasury ack/document number when accepted
	RejectReason string // populated when rejected
	DecidedAt    *timestamppb.Timestamp
}

// GatewayClient is the treasury gateway's client surface.
type GatewayClient interface {
	SubmitBatch(ctx context.Context, in *SubmitBatchRequest, opts ...grpc.CallOption) (*SubmitBatchResponse, error)
	GetBatchStatus(ctx context.Context, in *GetBatchStatusRequest, opts ...grpc.CallOption) (*GetBatchStatusResponse, error)
}

// MockGatewayClient accepts every batch immediately. It backs local runs
// where no GATEWAY_TARGET is configured.
type MockGatewayClient struct {
	mu       sync.Mutex
	seq      int
	receipts map[string]*SubmitBatchRequest
}

func NewMockGatewayClient() *MockGatewayClient {
	return &MockGatewayClient{receipts: map[string]*SubmitBatchRequest{}}
}

func (m *MockGatewayClient) SubmitBatch(ctx context.Context, in *SubmitBatchRequest, opts ...grpc.CallOption) (*SubmitBatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := "mock-receipt-" + in.BatchCode
	m.receipts[id] = in
	return &SubmitBatchResponse{ReceiptId: id, ReceivedAt: timestamppb.Now()}, nil
}

func (m *MockGatewayClient) GetBatchStatus(ctx context.Context, in *GetBatchStatusRequest, opts ...grpc.CallOption) (*GetBatchStatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[in.ReceiptId]; !ok {
		return &GetBatchStatusResponse{ReceiptId: in.ReceiptId, Disposition: BatchDisposition_PENDING}, nil
	}
	return &GetBatchStatusResponse{
		ReceiptId:   in.ReceiptId,
		Disposition: BatchDisposition_ACCEPTED,
		Reference:   "mock-ack-" + in.ReceiptId,
		DecidedAt:   timestamppb.Now(),
	}, nil
}
