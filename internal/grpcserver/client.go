package grpcserver

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is the feature-module side of the ledger RPC. Errors come back as
// entitlement sentinels so callers can use errors.Is.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Debit consumes credits for one action.
func (client *Client) Debit(ctx context.Context, request DebitRequest) (DebitResponse, error) {
	var response DebitResponse
	if err := client.invoke(ctx, methodDebit, &request, &response); err != nil {
		return DebitResponse{}, err
	}
	return response, nil
}

// Refund credits back one usage entry.
func (client *Client) Refund(ctx context.Context, request RefundRequest) (RefundResponse, error) {
	var response RefundResponse
	if err := client.invoke(ctx, methodRefund, &request, &response); err != nil {
		return RefundResponse{}, err
	}
	return response, nil
}

// Balance reads the entitlement record.
func (client *Client) Balance(ctx context.Context, userID string) (BalanceResponse, error) {
	var response BalanceResponse
	if err := client.invoke(ctx, methodBalance, &BalanceRequest{UserID: userID}, &response); err != nil {
		return BalanceResponse{}, err
	}
	return response, nil
}

func (client *Client) invoke(ctx context.Context, method string, request any, response any) error {
	if err := client.conn.Invoke(ctx, method, request, response, grpc.CallContentSubtype(CodecName)); err != nil {
		return fromGRPCError(err)
	}
	return nil
}

var argumentErrors = []error{
	entitlement.ErrInvalidUserID,
	entitlement.ErrInvalidEntryID,
	entitlement.ErrInvalidActionType,
	entitlement.ErrInvalidCredits,
	entitlement.ErrInvalidMetadataJSON,
}

func fromGRPCError(source error) error {
	statusInfo, ok := status.FromError(source)
	if !ok {
		return source
	}
	switch statusInfo.Code() {
	case codes.FailedPrecondition:
		if statusInfo.Message() == kindInsufficient {
			return entitlement.ErrInsufficientBalance
		}
		return fmt.Errorf("%w: %s", entitlement.ErrRefundWindowClosed, statusInfo.Message())
	case codes.NotFound:
		return entitlement.ErrUnknownUsageEntry
	case codes.AlreadyExists:
		return entitlement.ErrAlreadyRefunded
	case codes.Aborted:
		return entitlement.ErrConcurrencyConflict
	case codes.InvalidArgument:
		for _, sentinel := range argumentErrors {
			if statusInfo.Message() == entitlement.ErrorKind(sentinel) {
				return sentinel
			}
		}
		return source
	default:
		return source
	}
}
