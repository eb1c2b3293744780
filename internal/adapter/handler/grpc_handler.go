package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/core/service"
)

const userIDMetadataKey = "x-user-id"

type GRPCHandler struct {
	svc    Services
	logger *slog.Logger
}

func NewGRPCHandler(svc Services, logger *slog.Logger) *GRPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCHandler{svc: svc, logger: logger}
}

func (h *GRPCHandler) CreateBill(ctx context.Context, req *CreateBillRequest) (*BillReply, error) {
	discount, err := parseAmount(req.Discount, "discount")
	if err != nil {
		return nil, h.toStatus(err)
	}
	tax, err := parseAmount(req.Tax, "tax")
	if err != nil {
		return nil, h.toStatus(err)
	}
	lines := make([]service.BillLine, len(req.Items))
	for i, it := range req.Items {
		lines[i] = service.BillLine{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	bill, err := h.svc.Billing.CreateBill(ctx, service.BillRequest{
		RequestID:     req.RequestID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		Discount:      discount,
		Tax:           tax,
		Items:         lines,
		Actor:         grpcActor(ctx),
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toBillReply(bill), nil
}

func (h *GRPCHandler) GetBill(ctx context.Context, req *GetBillRequest) (*BillReply, error) {
	var (
		bill domain.Bill
		err  error
	)
	if req.BillNumber != "" {
		bill, err = h.svc.Query.GetBillByNumber(ctx, req.BillNumber)
	} else {
		bill, err = h.svc.Query.GetBill(ctx, req.ID)
	}
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toBillReply(bill), nil
}

func (h *GRPCHandler) ApplyStockTransaction(ctx context.Context, req *StockTransactionRequest) (*StockTransactionReply, error) {
	txn, err := h.svc.Ledger.Apply(ctx, service.StockRequest{
		ProductID: req.ProductID,
		Type:      domain.TransactionType(strings.ToUpper(req.Type)),
		Quantity:  req.Quantity,
		Notes:     req.Notes,
		Actor:     grpcActor(ctx),
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &StockTransactionReply{
		ID:             txn.ID,
		ProductID:      txn.ProductID,
		Type:           string(txn.Type),
		Quantity:       txn.Quantity,
		PreviousStock:  txn.PreviousStock,
		ResultingStock: txn.ResultingStock,
	}, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrEmptyBill), errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest), errors.Is(err, domain.ErrDuplicateSKU):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrConcurrency):
		return status.Error(codes.Aborted, err.Error())
	}
	h.logger.Error("grpc call failed", slog.Any("error", err))
	return status.Error(codes.Internal, "internal error")
}

func grpcActor(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(userIDMetadataKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func parseAmount(v, field string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, domain.NewValidationError(field, "must be a decimal amount")
	}
	return d, nil
}

func toBillReply(b domain.Bill) *BillReply {
	reply := &BillReply{
		ID:            b.ID,
		BillNumber:    b.BillNumber,
		CustomerName:  b.CustomerName,
		PaymentMethod: string(b.PaymentMethod),
		Subtotal:      b.Subtotal.StringFixed(2),
		Discount:      b.Discount.StringFixed(2),
		Tax:           b.Tax.StringFixed(2),
		Total:         b.Total.StringFixed(2),
		Status:        string(b.Status),
		BillDateUnix:  b.BillDate.Unix(),
		CreatedBy:     b.CreatedBy,
	}
	for _, it := range b.Items {
		reply.Items = append(reply.Items, BillItemMessage{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.StringFixed(2),
			LineTotal:   it.LineTotal.StringFixed(2),
		})
	}
	return reply
}
