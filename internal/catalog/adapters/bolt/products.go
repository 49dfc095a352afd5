package bolt

import (
	"context"

	"github.com/boltdb/bolt"
	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
)

type ProductRepository struct {
	db *bolt.DB
}

func (r *ProductRepository) Save(_ context.Context, product domain.Product) (domain.Product, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(productsBucket)

		if !product.Persisted() {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			product.ID = int64(seq)
		} else if bucket.Get(itob(product.ID)) == nil {
			return ports.ErrNotFound
		}

		value, err := encode(product)
		if err != nil {
			return err
		}
		return bucket.Put(itob(product.ID), value)
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (r *ProductRepository) FindByID(_ context.Context, id int64) (domain.Product, error) {
	var product domain.Product
	err := r.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(productsBucket).Get(itob(id))
		if value == nil {
			return ports.ErrNotFound
		}
		return decode(value, &product)
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (r *ProductRepository) Delete(_ context.Context, id int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(productsBucket)
		if bucket.Get(itob(id)) == nil {
			return ports.ErrNotFound
		}
		return bucket.Delete(itob(id))
	})
}
