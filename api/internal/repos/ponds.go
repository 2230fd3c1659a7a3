package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

type PondsRepo struct {
	pool *pgxpool.Pool
}

func NewPondsRepo(pool *pgxpool.Pool) *PondsRepo {
	return &PondsRepo{pool: pool}
}

func (r *PondsRepo) UpsertPond(ctx context.Context, pond models.Pond) (models.Pond, error) {
	if pond.ID == uuid.Nil {
		pond.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ponds (id, device_id, name, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, position) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, device_id, name, position
	`, pond.ID, pond.DeviceID, pond.Name, pond.Position).Scan(&pond.ID, &pond.DeviceID, &pond.Name, &pond.Position)
	return pond, mapErr(err)
}

func (r *PondsRepo) GetPond(ctx context.Context, id uuid.UUID) (models.Pond, error) {
	var pond models.Pond
	err := r.pool.QueryRow(ctx, `
		SELECT id, device_id, name, position FROM ponds WHERE id = $1
	`, id).Scan(&pond.ID, &pond.DeviceID, &pond.Name, &pond.Position)
	return pond, mapErr(err)
}

// PondsByDevice lists the ponds a device serves, ordered by position.
func (r *PondsRepo) PondsByDevice(ctx context.Context, deviceID string) ([]models.Pond, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, name, position FROM ponds WHERE device_id = $1 ORDER BY position ASC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ponds []models.Pond
	for rows.Next() {
		var pond models.Pond
		if err := rows.Scan(&pond.ID, &pond.DeviceID, &pond.Name, &pond.Position); err != nil {
			return nil, err
		}
		ponds = append(ponds, pond)
	}
	return ponds, rows.Err()
}
