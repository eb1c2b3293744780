package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/core/service"
)

const (
	userIDHeader         = "X-User-ID"
	idempotencyKeyHeader = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

// Services groups the application services exposed over HTTP and gRPC.
type Services struct {
	Products *service.ProductService
	Ledger   *service.LedgerService
	Billing  *service.BillingService
	Query    *service.QueryService
}

type HTTPHandler struct {
	svc       Services
	validator *validator.Validate
	logger    *slog.Logger
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewHTTPHandler(svc Services, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &HTTPHandler{svc: svc, validator: v, logger: logger}
}

// Routes mounts the JSON API on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.CreateProduct)
		r.Get("/", h.ListProducts)
		r.Get("/low-stock", h.LowStock)
		r.Get("/search", h.SearchProducts)
		r.Get("/{id}", h.GetProduct)
		r.Patch("/{id}/active", h.SetProductActive)
	})
	r.Route("/stock", func(r chi.Router) {
		r.Post("/transactions", h.ApplyStockTransaction)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/reconcile/{id}", h.Reconcile)
	})
	r.Route("/bills", func(r chi.Router) {
		r.Post("/", h.CreateBill)
		r.Get("/", h.ListBills)
		r.Get("/number/{number}", h.GetBillByNumber)
		r.Get("/{id}", h.GetBill)
	})
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.Products.Create(r.Context(), req.draft())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{Success: true, Message: "product created", Data: toProductResponse(p)})
}

func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, domain.NewValidationError("active", "must be a boolean"))
			return
		}
		activeOnly = b
	}
	products, err := h.svc.Query.ListProducts(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: toProductResponses(products)})
}

func (h *HTTPHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.svc.Query.LowStock(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: toProductResponses(products)})
}

func (h *HTTPHandler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.svc.Query.SearchProducts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: toProductResponses(products)})
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.Products.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: toProductResponse(p)})
}

func (h *HTTPHandler) SetProductActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req setActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.Products.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "product updated", Data: toProductResponse(p)})
}

func (h *HTTPHandler) ApplyStockTransaction(w http.ResponseWriter, r *http.Request) {
	var req stockTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.svc.Ledger.Apply(r.Context(), service.StockRequest{
		ProductID: req.ProductID,
		Type:      domain.TransactionType(req.Type),
		Quantity:  req.Quantity,
		Notes:     req.Notes,
		Actor:     actor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{Success: true, Message: "stock updated", Data: toTransactionResponse(txn)})
}

func (h *HTTPHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := queryInt(q.Get("product_id"), "product_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.svc.Query.ListTransactions(r.Context(), domain.TransactionFilter{ProductID: productID, Limit: int(limit)})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]transactionResponse, len(rows))
	for i, t := range rows {
		out[i] = toTransactionResponse(t)
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: out})
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.svc.Ledger.Reconcile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msg := "ledger consistent"
	if !rec.Consistent {
		msg = "ledger mismatch"
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: msg, Data: rec})
}

func (h *HTTPHandler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(idempotencyKeyHeader)
	}
	bill, err := h.svc.Billing.CreateBill(r.Context(), req.toService(actor(r)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{Success: true, Message: "bill created", Data: toBillResponse(bill)})
}

func (h *HTTPHandler) ListBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryTime(q.Get("from"), "from", false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := queryTime(q.Get("to"), "to", true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bills, err := h.svc.Query.ListBills(r.Context(), domain.BillFilter{From: from, To: to, Limit: int(limit)})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]billResponse, len(bills))
	for i, b := range bills {
		out[i] = toBillResponse(b)
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: out})
}

func (h *HTTPHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	bill, err := h.svc.Query.GetBill(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: toBillResponse(bill)})
}

func (h *HTTPHandler) GetBillByNumber(w http.ResponseWriter, r *http.Request) {
	bill, err := h.svc.Query.GetBillByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok", Data: toBillResponse(bill)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst and runs struct validation. It writes
// the 400 response itself and reports whether the handler may continue.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Message: "invalid request body"})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			h.writeError(w, r, domain.NewValidationError(fe.Field(), "failed "+fe.Tag()+" check"))
			return false
		}
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *HTTPHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, domain.NewValidationError(name, "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := httpStatus(err)
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, apiResponse{Message: msg, Data: errorDetail(err)})
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

func queryInt(v, field string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, domain.NewValidationError(field, "must be an integer")
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func queryTime(v, field string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, fmt.Sprintf("invalid time %q", v))
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
