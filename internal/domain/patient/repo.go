package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Upsert merges p into the profile keyed by p.ID. The owning doctor of an
	// existing profile is never changed.
	Upsert(ctx context.Context, p *Profile) error
	AddListEntry(ctx context.Context, e *ListEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Profile, error)
	ListForDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*ListEntry, int, error)
	// UpdateMedicalInfo reports whether the profile exists.
	UpdateMedicalInfo(ctx context.Context, id uuid.UUID, info MedicalInfo) (bool, error)
}

// TxManager runs fn in one transaction; repositories called with the derived
// context join it.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
