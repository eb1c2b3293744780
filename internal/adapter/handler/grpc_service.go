package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// JSONCodecName is the gRPC content subtype carried by every BillingService
// call. Clients select it with grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type BillLineMessage struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

type CreateBillRequest struct {
	RequestID     string            `json:"requestId"`
	CustomerName  string            `json:"customerName"`
	CustomerPhone string            `json:"customerPhone,omitempty"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	PaymentMethod string            `json:"paymentMethod"`
	Discount      string            `json:"discount,omitempty"`
	Tax           string            `json:"tax,omitempty"`
	Items         []BillLineMessage `json:"items"`
}

type BillItemMessage struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	LineTotal   string `json:"lineTotal"`
}

type BillReply struct {
	ID            int64             `json:"id"`
	BillNumber    string            `json:"billNumber"`
	CustomerName  string            `json:"customerName"`
	PaymentMethod string            `json:"paymentMethod"`
	Subtotal      string            `json:"subtotal"`
	Discount      string            `json:"discount"`
	Tax           string            `json:"tax"`
	Total         string            `json:"total"`
	Status        string            `json:"status"`
	BillDateUnix  int64             `json:"billDateUnix"`
	CreatedBy     string            `json:"createdBy,omitempty"`
	Items         []BillItemMessage `json:"items,omitempty"`
}

type GetBillRequest struct {
	ID         int64  `json:"id,omitempty"`
	BillNumber string `json:"billNumber,omitempty"`
}

type StockTransactionRequest struct {
	ProductID int64  `json:"productId"`
	Type      string `json:"type"`
	Quantity  int64  `json:"quantity"`
	Notes     string `json:"notes,omitempty"`
}

type StockTransactionReply struct {
	ID             int64  `json:"id"`
	ProductID      int64  `json:"productId"`
	Type           string `json:"type"`
	Quantity       int64  `json:"quantity"`
	PreviousStock  int64  `json:"previousStock"`
	ResultingStock int64  `json:"resultingStock"`
}

// BillingServiceServer is the server API for the stockbilling.BillingService service.
type BillingServiceServer interface {
	CreateBill(context.Context, *CreateBillRequest) (*BillReply, error)
	GetBill(context.Context, *GetBillRequest) (*BillReply, error)
	ApplyStockTransaction(context.Context, *StockTransactionRequest) (*StockTransactionReply, error)
}

const (
	billingServiceName            = "stockbilling.BillingService"
	createBillFullMethod          = "/" + billingServiceName + "/CreateBill"
	getBillFullMethod             = "/" + billingServiceName + "/GetBill"
	applyStockTransactionFullName = "/" + billingServiceName + "/ApplyStockTransaction"
)

func RegisterBillingServiceServer(s grpc.ServiceRegistrar, srv BillingServiceServer) {
	s.RegisterService(&BillingServiceDesc, srv)
}

func createBillHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateBillRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BillingServiceServer).CreateBill(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createBillFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BillingServiceServer).CreateBill(ctx, req.(*CreateBillRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getBillHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetBillRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BillingServiceServer).GetBill(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getBillFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BillingServiceServer).GetBill(ctx, req.(*GetBillRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func applyStockTransactionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StockTransactionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BillingServiceServer).ApplyStockTransaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: applyStockTransactionFullName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BillingServiceServer).ApplyStockTransaction(ctx, req.(*StockTransactionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var BillingServiceDesc = grpc.ServiceDesc{
	ServiceName: billingServiceName,
	HandlerType: (*BillingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateBill", Handler: createBillHandler},
		{MethodName: "GetBill", Handler: getBillHandler},
		{MethodName: "ApplyStockTransaction", Handler: applyStockTransactionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockbilling/billing.json",
}

// BillingServiceClient calls stockbilling.BillingService over the JSON codec.
type BillingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBillingServiceClient(cc grpc.ClientConnInterface) *BillingServiceClient {
	return &BillingServiceClient{cc: cc}
}

func (c *BillingServiceClient) CreateBill(ctx context.Context, in *CreateBillRequest, opts ...grpc.CallOption) (*BillReply, error) {
	out := new(BillReply)
	if err := c.cc.Invoke(ctx, createBillFullMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BillingServiceClient) GetBill(ctx context.Context, in *GetBillRequest, opts ...grpc.CallOption) (*BillReply, error) {
	out := new(BillReply)
	if err := c.cc.Invoke(ctx, getBillFullMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BillingServiceClient) ApplyStockTransaction(ctx context.Context, in *StockTransactionRequest, opts ...grpc.CallOption) (*StockTransactionReply, error) {
	out := new(StockTransactionReply)
	if err := c.cc.Invoke(ctx, applyStockTransactionFullName, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withJSON(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
}
