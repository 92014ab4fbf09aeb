package patient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/medidash/medidash/internal/platform/apperror"
	"github.com/medidash/medidash/internal/platform/auth"
	"github.com/medidash/medidash/internal/platform/changefeed"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/metrics"
	"github.com/medidash/medidash/internal/platform/notification"
	"github.com/medidash/medidash/internal/platform/validation"
)

// Inviter sends the "register with this email" message to a new patient.
type Inviter interface {
	Invite(ctx context.Context, inv notification.Invitation) error
}

const inviteTimeout = 30 * time.Second

type Service struct {
	repo      Repository
	tx        TxManager
	validator *validation.Validator
	feed      changefeed.Bus
	logger    zerolog.Logger

	inviter Inviter
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(repo Repository, tx TxManager, v *validation.Validator, feed changefeed.Bus, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		validator: v,
		feed:      feed,
		logger:    logger.With().Str("component", "patient").Logger(),
		now:       time.Now,
	}
}

func (s *Service) SetInviter(inv Inviter)         { s.inviter = inv }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Create registers a patient under the calling doctor. The profile and the
// doctor's list entry are written in one transaction; the invitation is sent
// after commit and its failure does not fail the call.
func (s *Service) Create(ctx context.Context, in NewPatient) (*Profile, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, apperror.ErrAuthenticationRequired
	}

	in.normalize()
	if err := s.validator.Struct(in, createMessages); err != nil {
		return nil, err
	}

	hash, err := advisoryHash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash advisory password: %w", err)
	}

	p := &Profile{
		ID:           uuid.New(),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         RolePatient,
		Email:        in.Email,
		DateOfBirth:  in.DateOfBirth,
		Gender:       in.Gender,
		PhoneNumber:  in.PhoneNumber,
		Address:      in.Address,
		DoctorID:     actor.ID,
		PasswordHash: string(hash),
	}
	entry := &ListEntry{
		DoctorID:  actor.ID,
		PatientID: p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Upsert(ctx, p); err != nil {
			return apperror.Write("save patient profile", err)
		}
		if err := s.repo.AddListEntry(ctx, entry); err != nil {
			return apperror.Write("save doctor patient list entry", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("doctor", actor.ID).Msg("create patient failed")
		return nil, err
	}

	p.fillAge(s.now())
	s.metrics.PatientCreated()
	s.publish(ctx, changefeed.Created, p.ID)
	s.logger.Info().Str("patient", p.ID.String()).Str("doctor", actor.ID).Msg("patient created")

	if s.inviter != nil {
		inv := notification.Invitation{Email: p.Email, PatientName: p.FullName(), DoctorName: actor.DisplayName}
		go func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, inviteTimeout)
			defer cancel()
			if err := s.inviter.Invite(ctx, inv); err != nil {
				s.logger.Warn().Err(err).Str("patient", p.ID.String()).Msg("invitation failed")
			}
		}(context.WithoutCancel(ctx))
	}
	return p, nil
}

// Get returns the profile with its age computed for today.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Profile, error) {
	if _, ok := auth.ActorFromContext(ctx); !ok {
		return nil, apperror.ErrAuthenticationRequired
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.fillAge(s.now())
	return p, nil
}

// Watch streams the profile on subscribe and after every change to it. A nil
// profile means the patient does not exist (yet).
func (s *Service) Watch(ctx context.Context, id uuid.UUID) (<-chan *Profile, error) {
	if _, ok := auth.ActorFromContext(ctx); !ok {
		return nil, apperror.ErrAuthenticationRequired
	}
	// The watch outlives any request that started it.
	ctx = db.WithoutConn(ctx)
	topic := changefeed.PatientTopic(db.ClinicFromContext(ctx), id.String())
	return changefeed.Follow(ctx, s.feed, topic, s.logger, func(ctx context.Context) (*Profile, error) {
		p, err := s.Get(ctx, id)
		if apperror.IsNotFound(err) {
			return nil, nil
		}
		return p, err
	})
}

// ListForDoctor pages the caller's own patient list.
func (s *Service) ListForDoctor(ctx context.Context, limit, offset int) ([]*ListEntry, int, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, 0, apperror.ErrAuthenticationRequired
	}
	entries, total, err := s.repo.ListForDoctor(ctx, actor.ID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients for doctor: %w", err)
	}
	if entries == nil {
		entries = []*ListEntry{}
	}
	return entries, total, nil
}

// UpdateMedicalInfo sets blood group and emergency contact. Name, email and
// owning doctor are not editable here.
func (s *Service) UpdateMedicalInfo(ctx context.Context, id uuid.UUID, info MedicalInfo) (*Profile, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, apperror.ErrAuthenticationRequired
	}
	if info.BloodGroup == nil && info.EmergencyContact == nil {
		return nil, apperror.Invalid("medicalInfo", "bloodGroup or emergencyContact is required")
	}
	if err := s.validator.Struct(info, nil); err != nil {
		return nil, err
	}

	found, err := s.repo.UpdateMedicalInfo(ctx, id, info)
	if err != nil {
		s.logger.Error().Err(err).Str("patient", id.String()).Msg("update medical info failed")
		return nil, apperror.Write("update medical info", err)
	}
	if !found {
		return nil, apperror.NotFound("patient")
	}

	s.publish(ctx, changefeed.Updated, id)
	s.logger.Info().Str("patient", id.String()).Str("doctor", actor.ID).Msg("medical info updated")
	return s.Get(ctx, id)
}

func (s *Service) publish(ctx context.Context, kind string, id uuid.UUID) {
	err := s.feed.Publish(ctx, changefeed.Change{
		Type:         kind,
		Topic:        changefeed.PatientTopic(db.ClinicFromContext(ctx), id.String()),
		ResourceType: "patient",
		ResourceID:   id.String(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("patient", id.String()).Msg("publish change failed")
	}
}

// advisoryHash bcrypts a SHA-256 digest of pw. bcrypt refuses inputs over 72
// bytes and the form sets no upper bound on password length.
func advisoryHash(pw string) ([]byte, error) {
	sum := sha256.Sum256([]byte(pw))
	return bcrypt.GenerateFromPassword([]byte(base64.StdEncoding.EncodeToString(sum[:])), bcrypt.DefaultCost)
}
