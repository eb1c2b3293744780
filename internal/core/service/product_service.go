package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const skuAttempts = 3

type ProductService struct {
	repo   port.DatabaseRepository
	skus   *domain.SKUGenerator
	logger *slog.Logger
	now    func() time.Time
}

func NewProductService(repo port.DatabaseRepository, logger *slog.Logger) *ProductService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductService{
		repo:   repo,
		skus:   domain.NewSKUGenerator(),
		logger: logger,
		now:    time.Now,
	}
}

// Create registers a product with zero stock. Stock only arrives through
// the ledger afterwards.
func (s *ProductService) Create(ctx context.Context, draft domain.ProductDraft) (domain.Product, error) {
	draft.Name = strings.TrimSpace(draft.Name)
	draft.Category = strings.TrimSpace(draft.Category)
	if err := validateDraft(draft); err != nil {
		return domain.Product{}, err
	}

	now := s.now().UTC()
	product := domain.Product{
		Name:          draft.Name,
		Category:      draft.Category,
		Description:   strings.TrimSpace(draft.Description),
		SellingPrice:  draft.SellingPrice,
		PurchasePrice: draft.PurchasePrice,
		MinStockLevel: draft.MinStockLevel,
		CurrentStock:  0,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var err error
	for attempt := 0; attempt < skuAttempts; attempt++ {
		product.SKU = s.skus.Next(product.Category)
		var created domain.Product
		created, err = s.repo.CreateProduct(ctx, product)
		if err == nil {
			s.logger.Info("product created",
				slog.Int64("product_id", created.ID),
				slog.String("sku", created.SKU))
			return created, nil
		}
		if !errors.Is(err, domain.ErrDuplicateSKU) {
			return domain.Product{}, fmt.Errorf("create product: %w", err)
		}
		s.logger.Warn("sku collision, regenerating", slog.String("sku", product.SKU))
	}
	return domain.Product{}, fmt.Errorf("create product: %w", err)
}

func (s *ProductService) Get(ctx context.Context, id int64) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	return s.repo.GetProduct(ctx, id)
}

// SetActive deactivates or reactivates a product. Products are never deleted.
func (s *ProductService) SetActive(ctx context.Context, id int64, active bool) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	p, err := s.repo.SetProductActive(ctx, id, active)
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.Info("product active flag changed", slog.Int64("product_id", id), slog.Bool("active", active))
	return p, nil
}

func validateDraft(d domain.ProductDraft) error {
	switch {
	case d.Name == "":
		return domain.NewValidationError("name", "is required")
	case d.Category == "":
		return domain.NewValidationError("category", "is required")
	case !d.SellingPrice.IsPositive():
		return domain.NewValidationError("sellingPrice", "must be greater than 0")
	case !domain.IsCentAmount(d.SellingPrice):
		return domain.NewValidationError("sellingPrice", "must have at most 2 decimal places")
	case !d.PurchasePrice.IsPositive():
		return domain.NewValidationError("purchasePrice", "must be greater than 0")
	case !domain.IsCentAmount(d.PurchasePrice):
		return domain.NewValidationError("purchasePrice", "must have at most 2 decimal places")
	case d.MinStockLevel < 0:
		return domain.NewValidationError("minStockLevel", "must be >= 0")
	}
	return nil
}
