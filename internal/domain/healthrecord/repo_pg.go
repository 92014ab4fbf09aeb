package healthrecord

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidash/medidash/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const recordCols = `id, patient_id, record_type, details, author_id, date_created`

func (r *repoPG) Insert(ctx context.Context, rec *Record) error {
	details, err := rec.DetailsJSON()
	if err != nil {
		return err
	}

	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()

	rec.ID = uuid.New()
	return q.QueryRow(ctx, `
		INSERT INTO health_record (id, patient_id, record_type, details, author_id)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING date_created`,
		rec.ID, rec.PatientID, string(rec.Kind), string(details), rec.AddedBy,
	).Scan(&rec.DateCreated)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := q.Query(ctx, `SELECT `+recordCols+` FROM health_record WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, patientID, id uuid.UUID) (bool, error) {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, `DELETE FROM health_record WHERE patient_id = $1 AND id = $2`, patientID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		kind    string
		details []byte
	)
	if err := row.Scan(&rec.ID, &rec.PatientID, &kind, &details, &rec.AddedBy, &rec.DateCreated); err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	if err := rec.setDetails(details); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return &rec, nil
}
