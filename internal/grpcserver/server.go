package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName      = "entitlement.v1.Ledger"
	methodDebit      = "/" + serviceName + "/Debit"
	methodRefund     = "/" + serviceName + "/Refund"
	methodBalance    = "/" + serviceName + "/Balance"
	messageInternal  = "internal error"
	messageConflict  = "conflict"
	kindInsufficient = "insufficient_balance"
)

// DebitRequest asks for cost credits to be consumed for one action.
type DebitRequest struct {
	UserID       string `json:"userId"`
	Action       string `json:"action"`
	Credits      int64  `json:"credits"`
	MetadataJSON string `json:"metadataJson,omitempty"`
}

// DebitResponse reports the committed debit.
type DebitResponse struct {
	EntryID   string    `json:"entryId"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
}

// RefundRequest asks for one usage entry to be credited back.
type RefundRequest struct {
	UserID  string `json:"userId"`
	EntryID string `json:"entryId"`
	Reason  string `json:"reason,omitempty"`
}

// RefundResponse reports the committed refund.
type RefundResponse struct {
	RefundID string `json:"refundId"`
	Credits  int64  `json:"credits"`
	Balance  int64  `json:"balance"`
}

// BalanceRequest identifies the account to read.
type BalanceRequest struct {
	UserID string `json:"userId"`
}

// BalanceResponse is the entitlement record after catch-up.
type BalanceResponse struct {
	Tier           int        `json:"tier"`
	MonthlyCredits int64      `json:"monthlyCredits"`
	CurrentCredits int64      `json:"currentCredits"`
	StackedCodes   int64      `json:"stackedCodes"`
	ResetAnchor    *time.Time `json:"resetAnchor,omitempty"`
	NextResetAt    *time.Time `json:"nextResetAt,omitempty"`
}

// LedgerServer is the RPC surface feature modules call.
type LedgerServer interface {
	Debit(ctx context.Context, request *DebitRequest) (*DebitResponse, error)
	Refund(ctx context.Context, request *RefundRequest) (*RefundResponse, error)
	Balance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
}

// Ledger is the slice of the entitlement service exposed over RPC.
type Ledger interface {
	Debit(ctx context.Context, userID entitlement.UserID, action entitlement.ActionType, cost entitlement.Credits, metadata entitlement.MetadataJSON) (entitlement.DebitResult, error)
	Refund(ctx context.Context, userID entitlement.UserID, entryID entitlement.EntryID, reason string) (entitlement.RefundResult, error)
	Stats(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error)
}

// Server exposes the entitlement ledger over gRPC.
type Server struct {
	ledger Ledger
	logger *zap.Logger
}

// NewServer constructs a gRPC server for the entitlement service.
func NewServer(ledger Ledger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ledger: ledger, logger: logger}
}

// Register attaches server to registrar under entitlement.v1.Ledger.
func Register(registrar grpc.ServiceRegistrar, server LedgerServer) {
	registrar.RegisterService(&ledgerServiceDesc, server)
}

func (server *Server) Debit(ctx context.Context, request *DebitRequest) (*DebitResponse, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	action, err := entitlement.ParseActionType(request.Action)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	cost, err := entitlement.NewCredits(request.Credits)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	metadata, err := entitlement.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	result, err := server.ledger.Debit(ctx, userID, action, cost, metadata)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	return &DebitResponse{
		EntryID:   result.Entry.ID.String(),
		Balance:   result.Balance.Int64(),
		CreatedAt: result.Entry.CreatedAt.UTC(),
	}, nil
}

func (server *Server) Refund(ctx context.Context, request *RefundRequest) (*RefundResponse, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	entryID, err := entitlement.NewEntryID(request.EntryID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	result, err := server.ledger.Refund(ctx, userID, entryID, request.Reason)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	return &RefundResponse{
		RefundID: result.Refund.ID,
		Credits:  result.Refund.Credits.Int64(),
		Balance:  result.Balance.Int64(),
	}, nil
}

func (server *Server) Balance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	account, err := server.ledger.Stats(ctx, userID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	return &BalanceResponse{
		Tier:           account.Tier.Int(),
		MonthlyCredits: account.MonthlyAllotment.Int64(),
		CurrentCredits: account.Balance.Int64(),
		StackedCodes:   account.StackedCodes,
		ResetAnchor:    account.ResetAnchor,
		NextResetAt:    account.NextResetAt(),
	}, nil
}

func (server *Server) mapToGRPCError(source error) error {
	if errors.Is(source, entitlement.ErrInsufficientBalance) {
		return status.Error(codes.FailedPrecondition, kindInsufficient)
	}
	if errors.Is(source, entitlement.ErrRefundWindowClosed) {
		return status.Error(codes.FailedPrecondition, entitlement.ErrorKind(source))
	}
	if errors.Is(source, entitlement.ErrUnknownUsageEntry) {
		return status.Error(codes.NotFound, entitlement.ErrorKind(source))
	}
	if errors.Is(source, entitlement.ErrAlreadyRefunded) {
		return status.Error(codes.AlreadyExists, entitlement.ErrorKind(source))
	}
	if entitlement.IsRetryable(source) {
		return status.Error(codes.Aborted, messageConflict)
	}
	if entitlement.IsValidationError(source) {
		return status.Error(codes.InvalidArgument, entitlement.ErrorKind(source))
	}
	server.logger.Error("ledger rpc failed", zap.Error(source))
	return status.Error(codes.Internal, messageInternal)
}

// Serve runs grpcServer on addr until ctx ends.
func Serve(ctx context.Context, grpcServer *grpc.Server, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", addr))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("gRPC shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Debit", Handler: debitHandler},
		{MethodName: "Refund", Handler: refundHandler},
		{MethodName: "Balance", Handler: balanceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "entitlement/v1/ledger",
}

func debitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(DebitRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Debit(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDebit}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Debit(ctx, req.(*DebitRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func refundHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(RefundRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Refund(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRefund}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Refund(ctx, req.(*RefundRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func balanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(BalanceRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Balance(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBalance}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Balance(ctx, req.(*BalanceRequest))
	}
	return interceptor(ctx, request, info, handler)
}
