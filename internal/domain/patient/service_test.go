package patient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/medidash/medidash/internal/platform/apperror"
	"github.com/medidash/medidash/internal/platform/auth"
	"github.com/medidash/medidash/internal/platform/changefeed"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/notification"
	"github.com/medidash/medidash/internal/platform/validation"
)

// -- Mock Repository --

type mockRepo struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*Profile
	entries  map[string][]*ListEntry
	failList error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		profiles: make(map[uuid.UUID]*Profile),
		entries:  make(map[string][]*ListEntry),
	}
}

func (m *mockRepo) Upsert(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.profiles[p.ID]; ok {
		p.DoctorID = existing.DoctorID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *mockRepo) AddListEntry(_ context.Context, e *ListEntry) error {
	if m.failList != nil {
		return m.failList
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.CreatedAt = time.Now()
	m.entries[e.DoctorID] = append(m.entries[e.DoctorID], e)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, apperror.NotFound("patient")
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) ListForDoctor(_ context.Context, doctorID string, limit, offset int) ([]*ListEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.entries[doctorID]
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *mockRepo) UpdateMedicalInfo(_ context.Context, id uuid.UUID, info MedicalInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return false, nil
	}
	if info.BloodGroup != nil {
		p.BloodGroup = info.BloodGroup
	}
	if info.EmergencyContact != nil {
		p.EmergencyContact = info.EmergencyContact
	}
	return true, nil
}

type mockTx struct{ calls int }

func (m *mockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type recordingInviter struct {
	sent chan notification.Invitation
	err  error
}

func (r *recordingInviter) Invite(_ context.Context, inv notification.Invitation) error {
	r.sent <- inv
	return r.err
}

var testNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockRepo, *changefeed.LocalBus) {
	repo := newMockRepo()
	bus := changefeed.NewLocalBus()
	v := validation.New("IN").WithClock(func() time.Time { return testNow })
	svc := NewService(repo, &mockTx{}, v, bus, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, repo, bus
}

func doctorCtx() context.Context {
	ctx := auth.WithActor(context.Background(), auth.Actor{ID: "doc-1", DisplayName: "Mehta", Roles: []string{auth.RoleDoctor}})
	return db.WithClinic(ctx, "default")
}

func validNewPatient() NewPatient {
	return NewPatient{
		FirstName:   "Anjali",
		LastName:    "Sharma",
		Email:       "anjali.sharma@example.com",
		DateOfBirth: "1990-05-14",
		Gender:      GenderFemale,
		PhoneNumber: "9876543210",
		Address:     "12 MG Road, Pune",
		Password:    "secret123",
	}
}

func TestService_Create(t *testing.T) {
	svc, repo, _ := newTestService()

	p, err := svc.Create(doctorCtx(), validNewPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Role != RolePatient {
		t.Errorf("expected role patient, got %q", p.Role)
	}
	if p.DoctorID != "doc-1" {
		t.Errorf("expected doctorId doc-1, got %q", p.DoctorID)
	}
	if p.Age != 36 {
		t.Errorf("expected age 36, got %d", p.Age)
	}

	stored, _ := repo.GetByID(context.Background(), p.ID)
	if stored == nil {
		t.Fatal("profile was not stored")
	}
	if stored.PasswordHash == "secret123" || !advisoryMatches(stored.PasswordHash, "secret123") {
		t.Error("expected advisory password to be stored as a bcrypt hash")
	}

	entries := repo.entries["doc-1"]
	if len(entries) != 1 {
		t.Fatalf("expected 1 list entry, got %d", len(entries))
	}
	e := entries[0]
	if e.PatientID != p.ID || e.FirstName != "Anjali" || e.LastName != "Sharma" || e.Email != "anjali.sharma@example.com" {
		t.Errorf("unexpected list entry: %+v", e)
	}
}

func TestService_Create_UsesOneTransaction(t *testing.T) {
	repo := newMockRepo()
	tx := &mockTx{}
	svc := NewService(repo, tx, validation.New("IN"), changefeed.NewLocalBus(), zerolog.Nop())

	if _, err := svc.Create(doctorCtx(), validNewPatient()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.calls != 1 {
		t.Errorf("expected 1 transaction, got %d", tx.calls)
	}
}

func TestService_Create_RequiresActor(t *testing.T) {
	svc, repo, _ := newTestService()

	_, err := svc.Create(context.Background(), validNewPatient())
	if !errors.Is(err, apperror.ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
	if len(repo.profiles) != 0 {
		t.Error("nothing should be written without an actor")
	}
}

func TestService_Create_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewPatient)
		field  string
		msg    string
	}{
		{"short first name", func(n *NewPatient) { n.FirstName = "A" }, "firstName", "First name must be at least 2 characters."},
		{"short last name", func(n *NewPatient) { n.LastName = " S " }, "lastName", "Last name must be at least 2 characters."},
		{"bad email", func(n *NewPatient) { n.Email = "anjali" }, "email", "Invalid email address."},
		{"short phone", func(n *NewPatient) { n.PhoneNumber = "98765" }, "phoneNumber", "Phone number must be at least 10 digits."},
		{"blank address", func(n *NewPatient) { n.Address = "   " }, "address", "Address is required."},
		{"short password", func(n *NewPatient) { n.Password = "12345" }, "password", "Password must be at least 6 characters."},
		{"missing dob", func(n *NewPatient) { n.DateOfBirth = "" }, "dateOfBirth", "A date of birth is required."},
		{"future dob", func(n *NewPatient) { n.DateOfBirth = "2027-01-01" }, "dateOfBirth", "must be a date between 1900-01-01 and today"},
		{"ancient dob", func(n *NewPatient) { n.DateOfBirth = "1899-12-31" }, "dateOfBirth", "must be a date between 1900-01-01 and today"},
		{"malformed dob", func(n *NewPatient) { n.DateOfBirth = "14/05/1990" }, "dateOfBirth", "must be a date in YYYY-MM-DD format"},
		{"unknown gender", func(n *NewPatient) { n.Gender = "Unknown" }, "gender", "must be one of: Male, Female, Other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService()
			in := validNewPatient()
			tt.mutate(&in)

			_, err := svc.Create(doctorCtx(), in)
			var ve *apperror.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if got := ve.Fields[tt.field]; got != tt.msg {
				t.Errorf("field %s: got %q, want %q", tt.field, got, tt.msg)
			}
			if len(repo.profiles) != 0 {
				t.Error("no write may happen on validation failure")
			}
		})
	}
}

func advisoryMatches(hash, pw string) bool {
	sum := sha256.Sum256([]byte(pw))
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(base64.StdEncoding.EncodeToString(sum[:]))) == nil
}

func TestService_Create_AcceptsLongPasswords(t *testing.T) {
	for _, pw := range []string{strings.Repeat("x", 80), strings.Repeat("पासवर्ड", 20)} {
		svc, repo, _ := newTestService()
		in := validNewPatient()
		in.Password = pw

		p, err := svc.Create(doctorCtx(), in)
		if err != nil {
			t.Fatalf("%d-byte password: unexpected error %v", len(pw), err)
		}
		stored, _ := repo.GetByID(context.Background(), p.ID)
		if stored == nil || !advisoryMatches(stored.PasswordHash, pw) {
			t.Errorf("%d-byte password: hash does not match", len(pw))
		}
	}
}

func TestService_Create_AcceptsBoundaryDates(t *testing.T) {
	for _, dob := range []string{"1900-01-01", "2026-10-18"} {
		svc, _, _ := newTestService()
		in := validNewPatient()
		in.DateOfBirth = dob
		if _, err := svc.Create(doctorCtx(), in); err != nil {
			t.Errorf("dob %s: unexpected error %v", dob, err)
		}
	}
}

func TestService_Create_WriteFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.failList = errors.New("connection reset")

	_, err := svc.Create(doctorCtx(), validNewPatient())
	var we *apperror.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected WriteError, got %v", err)
	}
}

func TestService_Create_SendsInvitation(t *testing.T) {
	svc, _, _ := newTestService()
	inv := &recordingInviter{sent: make(chan notification.Invitation, 1)}
	svc.SetInviter(inv)

	p, err := svc.Create(doctorCtx(), validNewPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-inv.sent:
		if got.Email != p.Email || got.PatientName != "Anjali Sharma" || got.DoctorName != "Mehta" {
			t.Errorf("unexpected invitation: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("invitation not sent")
	}
}

func TestService_Create_InviteFailureIsNotFatal(t *testing.T) {
	svc, _, _ := newTestService()
	inv := &recordingInviter{sent: make(chan notification.Invitation, 1), err: errors.New("smtp down")}
	svc.SetInviter(inv)

	if _, err := svc.Create(doctorCtx(), validNewPatient()); err != nil {
		t.Fatalf("invite failure must not fail creation: %v", err)
	}
	<-inv.sent
}

func TestService_Get(t *testing.T) {
	svc, _, _ := newTestService()
	created, _ := svc.Create(doctorCtx(), validNewPatient())

	p, err := svc.Get(doctorCtx(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FirstName != "Anjali" || p.Age != 36 {
		t.Errorf("unexpected profile: %+v", p)
	}

	_, err = svc.Get(doctorCtx(), uuid.New())
	if !errors.Is(err, apperror.ErrNotFound) || err.Error() != "patient not found" {
		t.Fatalf("expected patient not found, got %v", err)
	}
}

func TestService_Watch(t *testing.T) {
	svc, _, _ := newTestService()
	created, _ := svc.Create(doctorCtx(), validNewPatient())

	ctx, cancel := context.WithCancel(doctorCtx())
	defer cancel()
	updates, err := svc.Watch(ctx, created.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	first := <-updates
	if first == nil || first.BloodGroup != nil {
		t.Fatalf("unexpected initial snapshot: %+v", first)
	}

	bg := "O+"
	if _, err := svc.UpdateMedicalInfo(doctorCtx(), created.ID, MedicalInfo{BloodGroup: &bg}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case p := <-updates:
		if p.BloodGroup == nil || *p.BloodGroup != "O+" {
			t.Errorf("expected updated blood group, got %+v", p.BloodGroup)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after update")
	}
}

func TestService_Watch_MissingPatientIsNil(t *testing.T) {
	svc, _, _ := newTestService()
	ctx, cancel := context.WithCancel(doctorCtx())
	defer cancel()

	updates, err := svc.Watch(ctx, uuid.New())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if p := <-updates; p != nil {
		t.Fatalf("expected nil profile, got %+v", p)
	}
}

func TestService_ListForDoctor(t *testing.T) {
	svc, _, _ := newTestService()
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(doctorCtx(), validNewPatient()); err != nil {
			t.Fatal(err)
		}
	}
	other := auth.WithActor(context.Background(), auth.Actor{ID: "doc-2", Roles: []string{auth.RoleDoctor}})

	entries, total, err := svc.ListForDoctor(doctorCtx(), 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(entries) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(entries), total)
	}

	entries, total, _ = svc.ListForDoctor(other, 10, 0)
	if total != 0 || entries == nil || len(entries) != 0 {
		t.Errorf("expected empty non-nil list for another doctor, got %v (%d)", entries, total)
	}
}

func TestService_UpdateMedicalInfo(t *testing.T) {
	svc, repo, _ := newTestService()
	created, _ := svc.Create(doctorCtx(), validNewPatient())

	ec := &EmergencyContact{Name: "Ravi Sharma", Relation: "Brother", Phone: "9123456780"}
	p, err := svc.UpdateMedicalInfo(doctorCtx(), created.ID, MedicalInfo{EmergencyContact: ec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.EmergencyContact == nil || p.EmergencyContact.Name != "Ravi Sharma" {
		t.Errorf("emergency contact not applied: %+v", p.EmergencyContact)
	}
	if p.FirstName != "Anjali" || p.DoctorID != "doc-1" {
		t.Error("identity fields must be unchanged")
	}
	if repo.entries["doc-1"][0].FirstName != "Anjali" {
		t.Error("list entry must not be touched")
	}
}

func TestService_UpdateMedicalInfo_Errors(t *testing.T) {
	svc, _, _ := newTestService()
	created, _ := svc.Create(doctorCtx(), validNewPatient())

	bad := "Z+"
	_, err := svc.UpdateMedicalInfo(doctorCtx(), created.ID, MedicalInfo{BloodGroup: &bad})
	var ve *apperror.ValidationError
	if !errors.As(err, &ve) || ve.Fields["bloodGroup"] == "" {
		t.Errorf("expected bloodGroup validation error, got %v", err)
	}

	_, err = svc.UpdateMedicalInfo(doctorCtx(), created.ID, MedicalInfo{
		EmergencyContact: &EmergencyContact{Name: "Ravi", Relation: "Brother", Phone: "12"},
	})
	if !errors.As(err, &ve) || ve.Fields["emergencyContact.phone"] == "" {
		t.Errorf("expected emergencyContact.phone error, got %v", err)
	}

	_, err = svc.UpdateMedicalInfo(doctorCtx(), created.ID, MedicalInfo{})
	if !errors.As(err, &ve) {
		t.Errorf("expected validation error for empty update, got %v", err)
	}

	ok := "A+"
	_, err = svc.UpdateMedicalInfo(doctorCtx(), uuid.New(), MedicalInfo{BloodGroup: &ok})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
