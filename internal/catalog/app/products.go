package app

import (
	"context"

	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	"go.opentelemetry.io/otel/attribute"
)

// CreateProductCommand is the already-parsed input of CreateProduct.
type CreateProductCommand struct {
	Name  string
	Price float64
}

// CreateProduct validates a new product and saves it exactly once.
type CreateProduct struct {
	products ports.ProductRepository
	obs      observer
}

func NewCreateProduct(products ports.ProductRepository, opts ...Option) *CreateProduct {
	return &CreateProduct{products: products, obs: newObserver("create_product", opts)}
}

// Execute returns the saved product with its assigned ID. Business rule
// violations are reported before the repository is touched; repository errors
// are returned as they are.
func (uc *CreateProduct) Execute(ctx context.Context, cmd CreateProductCommand) (domain.Product, error) {
	var saved domain.Product
	err := uc.obs.run(ctx, func(ctx context.Context) error {
		product, err := domain.NewProduct(cmd.Name, cmd.Price)
		if err != nil {
			return err
		}

		saved, err = uc.products.Save(ctx, product)
		return err
	}, attribute.String("product.name", cmd.Name))
	if err != nil {
		return domain.Product{}, err
	}
	return saved, nil
}

// GetProduct reads one product.
type GetProduct struct {
	products ports.ProductRepository
	obs      observer
}

func NewGetProduct(products ports.ProductRepository, opts ...Option) *GetProduct {
	return &GetProduct{products: products, obs: newObserver("get_product", opts)}
}

func (uc *GetProduct) Execute(ctx context.Context, id int64) (domain.Product, error) {
	var product domain.Product
	err := uc.obs.run(ctx, func(ctx context.Context) error {
		var err error
		product, err = uc.products.FindByID(ctx, id)
		return err
	}, attribute.Int64("product.id", id))
	return product, err
}

// DeleteProduct removes one product. Unknown ids yield ports.ErrNotFound.
type DeleteProduct struct {
	products ports.ProductRepository
	obs      observer
}

func NewDeleteProduct(products ports.ProductRepository, opts ...Option) *DeleteProduct {
	return &DeleteProduct{products: products, obs: newObserver("delete_product", opts)}
}

func (uc *DeleteProduct) Execute(ctx context.Context, id int64) error {
	return uc.obs.run(ctx, func(ctx context.Context) error {
		return uc.products.Delete(ctx, id)
	}, attribute.Int64("product.id", id))
}
