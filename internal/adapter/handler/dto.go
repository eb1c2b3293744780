package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/core/service"
)

type createProductRequest struct {
	Name          string          `json:"name" validate:"required,max=255"`
	Category      string          `json:"category" validate:"required,max=100"`
	Description   string          `json:"description" validate:"max=1000"`
	SellingPrice  decimal.Decimal `json:"sellingPrice"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	MinStockLevel int64           `json:"minStockLevel" validate:"gte=0"`
}

func (r createProductRequest) draft() domain.ProductDraft {
	return domain.ProductDraft{
		Name:          r.Name,
		Category:      r.Category,
		Description:   r.Description,
		SellingPrice:  r.SellingPrice,
		PurchasePrice: r.PurchasePrice,
		MinStockLevel: r.MinStockLevel,
	}
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type stockTransactionRequest struct {
	ProductID int64  `json:"productId" validate:"required,gt=0"`
	Type      string `json:"type" validate:"required,oneof=IN OUT ADJUSTMENT"`
	Quantity  int64  `json:"quantity"`
	Notes     string `json:"notes" validate:"max=500"`
}

type billLineRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

type createBillRequest struct {
	RequestID     string            `json:"requestId" validate:"max=64"`
	CustomerName  string            `json:"customerName" validate:"max=255"`
	CustomerPhone string            `json:"customerPhone" validate:"max=20"`
	CustomerEmail string            `json:"customerEmail" validate:"omitempty,email"`
	PaymentMethod string            `json:"paymentMethod"`
	Discount      decimal.Decimal   `json:"discount"`
	Tax           decimal.Decimal   `json:"tax"`
	Items         []billLineRequest `json:"items"`
}

func (r createBillRequest) toService(actor string) service.BillRequest {
	lines := make([]service.BillLine, len(r.Items))
	for i, it := range r.Items {
		lines[i] = service.BillLine{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return service.BillRequest{
		RequestID:     r.RequestID,
		CustomerName:  r.CustomerName,
		CustomerPhone: r.CustomerPhone,
		CustomerEmail: r.CustomerEmail,
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod),
		Discount:      r.Discount,
		Tax:           r.Tax,
		Items:         lines,
		Actor:         actor,
	}
}

type productResponse struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Description   string    `json:"description,omitempty"`
	SKU           string    `json:"sku"`
	SellingPrice  string    `json:"sellingPrice"`
	PurchasePrice string    `json:"purchasePrice"`
	MinStockLevel int64     `json:"minStockLevel"`
	CurrentStock  int64     `json:"currentStock"`
	LowStock      bool      `json:"lowStock"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:            p.ID,
		Name:          p.Name,
		Category:      p.Category,
		Description:   p.Description,
		SKU:           p.SKU,
		SellingPrice:  p.SellingPrice.StringFixed(2),
		PurchasePrice: p.PurchasePrice.StringFixed(2),
		MinStockLevel: p.MinStockLevel,
		CurrentStock:  p.CurrentStock,
		LowStock:      p.IsLowStock(),
		Active:        p.Active,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toProductResponses(products []domain.Product) []productResponse {
	out := make([]productResponse, len(products))
	for i, p := range products {
		out[i] = toProductResponse(p)
	}
	return out
}

type transactionResponse struct {
	ID             int64     `json:"id"`
	ProductID      int64     `json:"productId"`
	Type           string    `json:"type"`
	Quantity       int64     `json:"quantity"`
	PreviousStock  int64     `json:"previousStock"`
	ResultingStock int64     `json:"resultingStock"`
	Notes          string    `json:"notes,omitempty"`
	BillID         *int64    `json:"billId,omitempty"`
	CreatedBy      string    `json:"createdBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toTransactionResponse(t domain.StockTransaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		ProductID:      t.ProductID,
		Type:           string(t.Type),
		Quantity:       t.Quantity,
		PreviousStock:  t.PreviousStock,
		ResultingStock: t.ResultingStock,
		Notes:          t.Notes,
		BillID:         t.BillID,
		CreatedBy:      t.CreatedBy,
		CreatedAt:      t.CreatedAt,
	}
}

type billItemResponse struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	LineTotal   string `json:"lineTotal"`
}

type billResponse struct {
	ID            int64              `json:"id"`
	BillNumber    string             `json:"billNumber"`
	CustomerName  string             `json:"customerName"`
	CustomerPhone string             `json:"customerPhone,omitempty"`
	CustomerEmail string             `json:"customerEmail,omitempty"`
	PaymentMethod string             `json:"paymentMethod"`
	Subtotal      string             `json:"subtotal"`
	Discount      string             `json:"discount"`
	Tax           string             `json:"tax"`
	Total         string             `json:"total"`
	Status        string             `json:"status"`
	BillDate      time.Time          `json:"billDate"`
	CreatedBy     string             `json:"createdBy,omitempty"`
	Items         []billItemResponse `json:"items,omitempty"`
}

func toBillResponse(b domain.Bill) billResponse {
	resp := billResponse{
		ID:            b.ID,
		BillNumber:    b.BillNumber,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		CustomerEmail: b.CustomerEmail,
		PaymentMethod: string(b.PaymentMethod),
		Subtotal:      b.Subtotal.StringFixed(2),
		Discount:      b.Discount.StringFixed(2),
		Tax:           b.Tax.StringFixed(2),
		Total:         b.Total.StringFixed(2),
		Status:        string(b.Status),
		BillDate:      b.BillDate,
		CreatedBy:     b.CreatedBy,
	}
	for _, it := range b.Items {
		resp.Items = append(resp.Items, billItemResponse{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.StringFixed(2),
			LineTotal:   it.LineTotal.StringFixed(2),
		})
	}
	return resp
}
