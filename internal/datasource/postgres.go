package datasource

import (
	"context"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// Querier is the subset of pgxpool.Pool the report queries need.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads report rows from the business tables.
type Postgres struct {
	db  Querier
	now func() time.Time
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (p *Postgres) Count(ctx context.Context, params models.Parameters) (int64, error) {
	k, err := kindFor(params)
	if err != nil {
		return 0, err
	}
	sqlStr, args, err := countQuery(k, params.Filters).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int64
	if err := p.db.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", k.Name, err)
	}
	return n, nil
}

func (p *Postgres) Fetch(ctx context.Context, params models.Parameters) (models.Dataset, error) {
	k, err := kindFor(params)
	if err != nil {
		return models.Dataset{}, err
	}
	sqlStr, args, err := selectQuery(k, params.Filters).ToSql()
	if err != nil {
		return models.Dataset{}, fmt.Errorf("build select query: %w", err)
	}
	rows, err := p.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return models.Dataset{}, fmt.Errorf("query %s: %w", k.Name, err)
	}
	defer rows.Close()

	ds := models.Dataset{
		Kind:        k.Name,
		Title:       k.Title,
		Columns:     k.Columns,
		Filters:     params.Filters,
		GeneratedAt: p.now().UTC(),
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return models.Dataset{}, fmt.Errorf("read %s row: %w", k.Name, err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		ds.Rows = append(ds.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return models.Dataset{}, fmt.Errorf("iterate %s: %w", k.Name, err)
	}
	return ds, nil
}

func selectQuery(k Kind, filters map[string]any) sq.SelectBuilder {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	q := psql.Select(k.Columns...).From(k.Table)
	return applyFilters(q, k, filters).OrderBy(k.DateColumn+" ASC", "id ASC")
}

func countQuery(k Kind, filters map[string]any) sq.SelectBuilder {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	return applyFilters(psql.Select("COUNT(*)").From(k.Table), k, filters)
}

func applyFilters(q sq.SelectBuilder, k Kind, filters map[string]any) sq.SelectBuilder {
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := filters[key]
		switch key {
		case FilterDateFrom:
			if t, err := parseDate(v); err == nil {
				q = q.Where(sq.GtOrEq{k.DateColumn: t})
			}
		case FilterDateTo:
			if t, err := parseDate(v); err == nil {
				q = q.Where(sq.Lt{k.DateColumn: t.AddDate(0, 0, 1)})
			}
		default:
			if col, ok := k.Filterable[key]; ok {
				q = q.Where(sq.Eq{col: v})
			}
		}
	}
	return q
}

func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return x.Format(dateLayout)
	}
	return v
}
