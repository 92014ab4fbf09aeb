package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medidash/medidash/internal/platform/validation"
)

const RolePatient = "patient"

const (
	GenderMale   = "Male"
	GenderFemale = "Female"
	GenderOther  = "Other"
)

type EmergencyContact struct {
	Name     string `json:"name" validate:"notblank"`
	Relation string `json:"relation" validate:"notblank"`
	Phone    string `json:"phone" validate:"required,phone"`
}

// Profile maps to the patient_profile table.
type Profile struct {
	ID               uuid.UUID         `json:"id"`
	FirstName        string            `json:"firstName"`
	LastName         string            `json:"lastName"`
	Role             string            `json:"role"`
	Email            string            `json:"email"`
	DateOfBirth      string            `json:"dateOfBirth"`
	Gender           string            `json:"gender"`
	PhoneNumber      string            `json:"phoneNumber"`
	Address          string            `json:"address"`
	DoctorID         string            `json:"doctorId"`
	BloodGroup       *string           `json:"bloodGroup,omitempty"`
	EmergencyContact *EmergencyContact `json:"emergencyContact,omitempty"`
	Age              int               `json:"age"`
	PasswordHash     string            `json:"-"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// FullName is the display name used in invitations.
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (p *Profile) fillAge(now time.Time) {
	dob, err := time.Parse(validation.DateLayout, p.DateOfBirth)
	if err != nil {
		return
	}
	p.Age = validation.AgeOn(dob, now)
}

// ListEntry is the denormalized row in a doctor's patient list. It is written
// once at creation and not kept in sync with later profile edits.
type ListEntry struct {
	DoctorID  string    `json:"-"`
	PatientID uuid.UUID `json:"patientId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewPatient is the doctor's create-patient form.
type NewPatient struct {
	FirstName   string `json:"firstName" validate:"required,min=2"`
	LastName    string `json:"lastName" validate:"required,min=2"`
	Email       string `json:"email" validate:"required,email"`
	DateOfBirth string `json:"dateOfBirth" validate:"required,isodate,birthdate"`
	Gender      string `json:"gender" validate:"required,oneof=Male Female Other"`
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
	Address     string `json:"address" validate:"notblank"`
	Password    string `json:"password" validate:"required,min=6"`
}

func (n *NewPatient) normalize() {
	n.FirstName = strings.TrimSpace(n.FirstName)
	n.LastName = strings.TrimSpace(n.LastName)
	n.Email = strings.TrimSpace(n.Email)
	n.DateOfBirth = strings.TrimSpace(n.DateOfBirth)
	n.Gender = strings.TrimSpace(n.Gender)
	n.PhoneNumber = strings.TrimSpace(n.PhoneNumber)
	n.Address = strings.TrimSpace(n.Address)
}

var createMessages = validation.Messages{
	"firstName.required":   "First name must be at least 2 characters.",
	"firstName.min":        "First name must be at least 2 characters.",
	"lastName.required":    "Last name must be at least 2 characters.",
	"lastName.min":         "Last name must be at least 2 characters.",
	"email.required":       "Invalid email address.",
	"email.email":          "Invalid email address.",
	"dateOfBirth.required": "A date of birth is required.",
	"gender.required":      "Gender is required.",
	"phoneNumber.required": "Phone number must be at least 10 digits.",
	"phoneNumber.phone":    "Phone number must be at least 10 digits.",
	"address.notblank":     "Address is required.",
	"password.required":    "Password must be at least 6 characters.",
	"password.min":         "Password must be at least 6 characters.",
}

// MedicalInfo updates the fields populated after creation. Nil fields are
// left unchanged.
type MedicalInfo struct {
	BloodGroup       *string           `json:"bloodGroup" validate:"omitempty,oneof=A+ A- B+ B- AB+ AB- O+ O-"`
	EmergencyContact *EmergencyContact `json:"emergencyContact" validate:"omitempty"`
}
