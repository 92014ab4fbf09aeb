package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidash/medidash/internal/platform/apperror"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/validation"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const profileCols = `id, first_name, last_name, role, email, date_of_birth, gender, phone_number, address,
	doctor_id, blood_group, emergency_contact, advisory_password_hash, created_at, updated_at`

func (r *repoPG) Upsert(ctx context.Context, p *Profile) error {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()

	dob, err := time.Parse(validation.DateLayout, p.DateOfBirth)
	if err != nil {
		return fmt.Errorf("date of birth: %w", err)
	}

	return q.QueryRow(ctx, `
		INSERT INTO patient_profile (
			id, first_name, last_name, role, email, date_of_birth, gender, phone_number, address,
			doctor_id, advisory_password_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name, email=EXCLUDED.email,
			date_of_birth=EXCLUDED.date_of_birth, gender=EXCLUDED.gender,
			phone_number=EXCLUDED.phone_number, address=EXCLUDED.address,
			advisory_password_hash=EXCLUDED.advisory_password_hash, updated_at=NOW()
		RETURNING created_at, updated_at`,
		p.ID, p.FirstName, p.LastName, p.Role, p.Email, dob, p.Gender, p.PhoneNumber, p.Address,
		p.DoctorID, p.PasswordHash,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) AddListEntry(ctx context.Context, e *ListEntry) error {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()

	return q.QueryRow(ctx, `
		INSERT INTO doctor_patient (doctor_id, patient_id, first_name, last_name, email)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (doctor_id, patient_id) DO UPDATE SET doctor_id=EXCLUDED.doctor_id
		RETURNING created_at`,
		e.DoctorID, e.PatientID, e.FirstName, e.LastName, e.Email,
	).Scan(&e.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := scanProfile(q.QueryRow(ctx, `SELECT `+profileCols+` FROM patient_profile WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("patient")
	}
	return p, err
}

func (r *repoPG) ListForDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*ListEntry, int, error) {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM doctor_patient WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT doctor_id, patient_id, first_name, last_name, email, created_at
		FROM doctor_patient WHERE doctor_id = $1
		ORDER BY created_at DESC, last_name, first_name
		LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.DoctorID, &e.PatientID, &e.FirstName, &e.LastName, &e.Email, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func (r *repoPG) UpdateMedicalInfo(ctx context.Context, id uuid.UUID, info MedicalInfo) (bool, error) {
	q, release, err := db.Scoped(ctx, r.pool)
	if err != nil {
		return false, err
	}
	defer release()

	var contact interface{}
	if info.EmergencyContact != nil {
		raw, err := json.Marshal(info.EmergencyContact)
		if err != nil {
			return false, err
		}
		contact = string(raw)
	}

	tag, err := q.Exec(ctx, `
		UPDATE patient_profile SET
			blood_group = COALESCE($2, blood_group),
			emergency_contact = COALESCE($3::jsonb, emergency_contact),
			updated_at = NOW()
		WHERE id = $1`, id, info.BloodGroup, contact)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var (
		p       Profile
		dob     time.Time
		contact []byte
		hash    *string
	)
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Role, &p.Email, &dob, &p.Gender, &p.PhoneNumber, &p.Address,
		&p.DoctorID, &p.BloodGroup, &contact, &hash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DateOfBirth = dob.Format(validation.DateLayout)
	if hash != nil {
		p.PasswordHash = *hash
	}
	if len(contact) > 0 {
		var ec EmergencyContact
		if err := json.Unmarshal(contact, &ec); err != nil {
			return nil, fmt.Errorf("decode emergency contact: %w", err)
		}
		p.EmergencyContact = &ec
	}
	return &p, nil
}
