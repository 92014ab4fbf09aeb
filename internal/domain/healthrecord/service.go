package healthrecord

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medidash/medidash/internal/platform/apperror"
	"github.com/medidash/medidash/internal/platform/auth"
	"github.com/medidash/medidash/internal/platform/changefeed"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/metrics"
	"github.com/medidash/medidash/internal/platform/validation"
)

var prescriptionMessages = validation.Messages{
	"medication.notblank": "Medication name is required.",
	"dosage.notblank":     "Dosage is required.",
}

type Service struct {
	repo      Repository
	validator *validation.Validator
	feed      changefeed.Bus
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewService(repo Repository, v *validation.Validator, feed changefeed.Bus, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		validator: v,
		feed:      feed,
		logger:    logger.With().Str("component", "healthrecord").Logger(),
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// List returns the patient's records of kind, newest first. An unknown
// patient yields an empty list.
func (s *Service) List(ctx context.Context, patientID uuid.UUID, kind Kind) ([]*Record, error) {
	if _, ok := auth.ActorFromContext(ctx); !ok {
		return nil, apperror.ErrAuthenticationRequired
	}
	if kind != "" && !kind.Valid() {
		return nil, apperror.Invalid("kind", fmt.Sprintf("unknown record kind %q", kind))
	}
	records, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	return View(records, kind), nil
}

// Watch streams List results: once on subscribe, then after every change to
// the patient's collection.
func (s *Service) Watch(ctx context.Context, patientID uuid.UUID, kind Kind) (<-chan []*Record, error) {
	if _, ok := auth.ActorFromContext(ctx); !ok {
		return nil, apperror.ErrAuthenticationRequired
	}
	if kind != "" && !kind.Valid() {
		return nil, apperror.Invalid("kind", fmt.Sprintf("unknown record kind %q", kind))
	}
	// The watch outlives any request that started it.
	ctx = db.WithoutConn(ctx)
	topic := changefeed.RecordsTopic(db.ClinicFromContext(ctx), patientID.String())
	return changefeed.Follow(ctx, s.feed, topic, s.logger, func(ctx context.Context) ([]*Record, error) {
		return s.List(ctx, patientID, kind)
	})
}

// AddMedicalHistory appends a free-text history entry.
func (s *Service) AddMedicalHistory(ctx context.Context, patientID uuid.UUID, text string) (*Record, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, apperror.ErrAuthenticationRequired
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperror.Invalid("details", "Medical history entry cannot be empty.")
	}

	rec := &Record{
		PatientID: patientID,
		Kind:      KindMedicalHistory,
		AddedBy:   actor.ID,
		History:   text,
	}
	return rec, s.insert(ctx, rec)
}

// AddPrescription appends a prescription written by the calling doctor.
func (s *Service) AddPrescription(ctx context.Context, patientID uuid.UUID, in NewPrescription) (*Record, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, apperror.ErrAuthenticationRequired
	}

	in.Medication = strings.TrimSpace(in.Medication)
	in.Dosage = strings.TrimSpace(in.Dosage)
	in.Date = strings.TrimSpace(in.Date)
	in.Status = strings.TrimSpace(in.Status)
	if in.Date == "" {
		in.Date = s.validator.Today()
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if err := s.validator.Struct(in, prescriptionMessages); err != nil {
		return nil, err
	}

	rec := &Record{
		PatientID: patientID,
		Kind:      KindPrescription,
		AddedBy:   actor.ID,
		Prescription: &Prescription{
			Medication: in.Medication,
			Dosage:     in.Dosage,
			Date:       in.Date,
			Status:     in.Status,
			Doctor:     doctorLabel(actor),
		},
	}
	return rec, s.insert(ctx, rec)
}

func doctorLabel(a auth.Actor) string {
	name := strings.TrimSpace(a.DisplayName)
	if name == "" {
		name = "Unknown"
	}
	return "Dr. " + name
}

// insert writes exactly one row. Failures are not retried.
func (s *Service) insert(ctx context.Context, rec *Record) error {
	if err := s.repo.Insert(ctx, rec); err != nil {
		s.logger.Error().Err(err).
			Str("patient", rec.PatientID.String()).
			Str("kind", string(rec.Kind)).
			Msg("insert health record failed")
		return apperror.Write("save health record", err)
	}
	s.metrics.RecordCreated(string(rec.Kind))
	s.publish(ctx, changefeed.Created, rec.PatientID, rec.ID)
	return nil
}

// Delete removes a record. It is idempotent and store failures are logged,
// not returned; only a missing actor is an error.
func (s *Service) Delete(ctx context.Context, patientID, id uuid.UUID) error {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return apperror.ErrAuthenticationRequired
	}

	removed, err := s.repo.Delete(ctx, patientID, id)
	switch {
	case err != nil:
		s.metrics.RecordDeleted("error")
		s.logger.Error().Err(err).
			Str("patient", patientID.String()).
			Str("record", id.String()).
			Msg("delete health record failed")
	case !removed:
		s.metrics.RecordDeleted("missing")
	default:
		s.metrics.RecordDeleted("deleted")
		s.logger.Info().Str("record", id.String()).Str("doctor", actor.ID).Msg("health record deleted")
		s.publish(ctx, changefeed.Deleted, patientID, id)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, kind string, patientID, id uuid.UUID) {
	err := s.feed.Publish(ctx, changefeed.Change{
		Type:         kind,
		Topic:        changefeed.RecordsTopic(db.ClinicFromContext(ctx), patientID.String()),
		ResourceType: "healthRecord",
		ResourceID:   id.String(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("patient", patientID.String()).Msg("publish change failed")
	}
}
