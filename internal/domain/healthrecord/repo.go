package healthrecord

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert stores r, assigning its ID and creation time.
	Insert(ctx context.Context, r *Record) error
	// ListByPatient returns the patient's whole collection in no particular order.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, patientID, id uuid.UUID) (bool, error)
}
