package handler

import (
	"errors"
	"net/http"

	"github.com/rl1809/stock-billing/internal/core/domain"
)

// httpStatus maps a service error to the response status and the message
// shown to the caller. Infrastructure errors are never echoed.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrEmptyBill), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrDuplicateSKU):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrConcurrency):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

type stockShortage struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Available   int64  `json:"available"`
	Requested   int64  `json:"requested"`
}

// errorDetail returns structured data for errors that carry it.
func errorDetail(err error) any {
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		return stockShortage{
			ProductID:   stockErr.ProductID,
			ProductName: stockErr.ProductName,
			Available:   stockErr.Available,
			Requested:   stockErr.Requested,
		}
	}
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) && vErr.Field != "" {
		return map[string]string{"field": vErr.Field}
	}
	return nil
}
