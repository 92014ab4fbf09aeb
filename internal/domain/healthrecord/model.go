package healthrecord

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the records sharing a patient's collection.
type Kind string

const (
	KindMedicalHistory Kind = "medicalHistory"
	KindPrescription   Kind = "prescription"
	KindLabReport      Kind = "labReport"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMedicalHistory, KindPrescription, KindLabReport:
		return true
	}
	return false
}

// viewKinds maps dashboard view names onto the kind each one lists.
var viewKinds = map[string]Kind{
	"history":       KindMedicalHistory,
	"prescriptions": KindPrescription,
	"labReports":    KindLabReport,
}

// ParseKind accepts a kind ("prescription") or a view name ("prescriptions").
// The empty string selects every kind.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return "", nil
	}
	if k := Kind(s); k.Valid() {
		return k, nil
	}
	if k, ok := viewKinds[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// Views returns the view names with the kind each one lists.
func Views() map[string]Kind {
	out := make(map[string]Kind, len(viewKinds))
	for v, k := range viewKinds {
		out[v] = k
	}
	return out
}

const (
	StatusActive   = "Active"
	StatusFinished = "Finished"
)

type Prescription struct {
	Medication string `json:"medication"`
	Dosage     string `json:"dosage"`
	Date       string `json:"date"`
	Status     string `json:"status"`
	Doctor     string `json:"doctor"`
}

type LabReport struct {
	Name   string `json:"name"`
	Date   string `json:"date"`
	Issuer string `json:"issuer"`
}

// Record is one entry of a patient's health record collection. Exactly one of
// the detail fields is set, selected by Kind.
type Record struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	Kind        Kind
	AddedBy     string
	DateCreated *time.Time

	History      string
	Prescription *Prescription
	LabReport    *LabReport
}

// wireRecord is the JSON shape shared with the dashboard.
type wireRecord struct {
	ID          uuid.UUID       `json:"id"`
	PatientID   uuid.UUID       `json:"userId"`
	Kind        Kind            `json:"recordType"`
	Details     json.RawMessage `json:"details"`
	AddedBy     string          `json:"addedBy"`
	DateCreated *time.Time      `json:"dateCreated"`
}

// DetailsJSON encodes the details of r's own kind.
func (r *Record) DetailsJSON() ([]byte, error) {
	switch r.Kind {
	case KindMedicalHistory:
		return json.Marshal(r.History)
	case KindPrescription:
		if r.Prescription == nil {
			return nil, fmt.Errorf("prescription record without details")
		}
		return json.Marshal(r.Prescription)
	case KindLabReport:
		if r.LabReport == nil {
			return nil, fmt.Errorf("lab report record without details")
		}
		return json.Marshal(r.LabReport)
	default:
		return nil, fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

// setDetails decodes raw according to r.Kind only.
func (r *Record) setDetails(raw []byte) error {
	switch r.Kind {
	case KindMedicalHistory:
		return json.Unmarshal(raw, &r.History)
	case KindPrescription:
		r.Prescription = &Prescription{}
		return json.Unmarshal(raw, r.Prescription)
	case KindLabReport:
		r.LabReport = &LabReport{}
		return json.Unmarshal(raw, r.LabReport)
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	details, err := r.DetailsJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{
		ID:          r.ID,
		PatientID:   r.PatientID,
		Kind:        r.Kind,
		Details:     details,
		AddedBy:     r.AddedBy,
		DateCreated: r.DateCreated,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		ID:          w.ID,
		PatientID:   w.PatientID,
		Kind:        w.Kind,
		AddedBy:     w.AddedBy,
		DateCreated: w.DateCreated,
	}
	if len(w.Details) == 0 {
		return fmt.Errorf("record %s has no details", w.ID)
	}
	if err := r.setDetails(w.Details); err != nil {
		return fmt.Errorf("record %s details: %w", w.ID, err)
	}
	return nil
}

// NewPrescription is the doctor's add-prescription form. Date defaults to
// today and Status to Active.
type NewPrescription struct {
	Medication string `json:"medication" validate:"notblank"`
	Dosage     string `json:"dosage" validate:"notblank"`
	Date       string `json:"date" validate:"omitempty,isodate"`
	Status     string `json:"status" validate:"omitempty,oneof=Active Finished"`
}
