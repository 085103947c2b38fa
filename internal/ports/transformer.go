package ports

import "github.com/ghalamif/Tether/internal/domain"

// Transformer maps one record independently of any other. It returns
// domain.ErrDropped to filter a record and a *domain.TransformError on failure.
type Transformer interface {
	Transform(*domain.Record) (*domain.Record, error)
	Version() uint16
}
