package datasource

import (
	"context"
	"fmt"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// DataSource assembles the rows behind an export.
type DataSource interface {
	// Count is the cheap estimate used to choose inline or deferred execution.
	Count(ctx context.Context, params models.Parameters) (int64, error)
	Fetch(ctx context.Context, params models.Parameters) (models.Dataset, error)
}

func kindFor(params models.Parameters) (Kind, error) {
	k, ok := Lookup(params.Type)
	if !ok {
		return Kind{}, fmt.Errorf("unknown report type %q", params.Type)
	}
	return k, nil
}
