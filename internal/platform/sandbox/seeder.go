// Package sandbox fills a clinic with reproducible demo patients and health
// records for local development and UI demos.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medidash/medidash/internal/domain/healthrecord"
	"github.com/medidash/medidash/internal/domain/patient"
	"github.com/medidash/medidash/internal/platform/validation"
)

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	PatientCount            int
	HistoryPerPatient       int
	PrescriptionsPerPatient int
	PhoneRegion             string
	Seed                    int64
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:            5,
		HistoryPerPatient:       2,
		PrescriptionsPerPatient: 2,
		PhoneRegion:             "IN",
	}
}

var (
	firstNamesMale   = []string{"Arjun", "Rahul", "Vikram", "Sanjay", "Imran", "Karan", "Aditya", "Rohan"}
	firstNamesFemale = []string{"Anjali", "Priya", "Meera", "Kavya", "Sana", "Neha", "Isha", "Divya"}
	lastNames        = []string{"Sharma", "Iyer", "Patel", "Khan", "Reddy", "Gupta", "Nair", "Das", "Joshi"}
	streets          = []string{"MG Road", "Park Street", "Linking Road", "Residency Road", "Anna Salai"}
	cities           = []string{"Pune", "Kolkata", "Mumbai", "Bengaluru", "Chennai"}

	historyEntries = []string{
		"Diagnosed with Type 2 Diabetes",
		"Penicillin allergy",
		"Appendectomy in childhood",
		"Seasonal asthma, uses inhaler as needed",
		"Hypertension, monitored monthly",
		"Family history of coronary artery disease",
		"Migraine with aura",
	}

	medications = []struct{ name, dosage string }{
		{"Metformin", "500mg twice daily"},
		{"Amlodipine", "5mg once daily"},
		{"Atorvastatin", "10mg at night"},
		{"Salbutamol inhaler", "2 puffs as needed"},
		{"Levothyroxine", "50mcg before breakfast"},
		{"Paracetamol", "650mg every 6 hours for 3 days"},
	}
)

// DataGenerator produces deterministic demo inputs.
type DataGenerator struct {
	rng     *rand.Rand
	region  string
	counter int
}

// NewDataGenerator returns a generator seeded for reproducibility. A zero
// seed picks a time-based one.
func NewDataGenerator(seed int64, region string) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed)), region: region}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// randomPhone draws mobile numbers until one parses for the region.
func (g *DataGenerator) randomPhone() string {
	var n string
	for i := 0; i < 20; i++ {
		n = fmt.Sprintf("98%08d", g.rng.Intn(100000000))
		if validation.ValidPhone(n, g.region) {
			return n
		}
	}
	return n
}

// Patient returns a new-patient form. Emails are unique per generator.
func (g *DataGenerator) Patient() patient.NewPatient {
	g.counter++
	first, gender := g.pick(firstNamesFemale), patient.GenderFemale
	if g.rng.Intn(2) == 0 {
		first, gender = g.pick(firstNamesMale), patient.GenderMale
	}
	last := g.pick(lastNames)

	return patient.NewPatient{
		FirstName:   first,
		LastName:    last,
		Email:       fmt.Sprintf("%s.%s.%d@example.com", strings.ToLower(first), strings.ToLower(last), g.counter),
		DateOfBirth: g.randomDate(1945, 2005),
		Gender:      gender,
		PhoneNumber: g.randomPhone(),
		Address:     fmt.Sprintf("%d %s, %s", 1+g.rng.Intn(200), g.pick(streets), g.pick(cities)),
		Password:    "demo-password",
	}
}

func (g *DataGenerator) History() string {
	return g.pick(historyEntries)
}

func (g *DataGenerator) Prescription() healthrecord.NewPrescription {
	m := medications[g.rng.Intn(len(medications))]
	status := healthrecord.StatusActive
	if g.rng.Intn(3) == 0 {
		status = healthrecord.StatusFinished
	}
	return healthrecord.NewPrescription{Medication: m.name, Dosage: m.dosage, Status: status}
}

// PatientCreator is satisfied by *patient.Service.
type PatientCreator interface {
	Create(ctx context.Context, in patient.NewPatient) (*patient.Profile, error)
}

// RecordWriter is satisfied by *healthrecord.Service.
type RecordWriter interface {
	AddMedicalHistory(ctx context.Context, patientID uuid.UUID, text string) (*healthrecord.Record, error)
	AddPrescription(ctx context.Context, patientID uuid.UUID, in healthrecord.NewPrescription) (*healthrecord.Record, error)
}

type SeedResult struct {
	Patients       int           `json:"patients"`
	HistoryEntries int           `json:"historyEntries"`
	Prescriptions  int           `json:"prescriptions"`
	Duration       time.Duration `json:"duration"`
}

// Seeder writes generated data through the domain services, so every row
// passes the same validation as dashboard input.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	logger    zerolog.Logger
}

func NewSeeder(config SeedConfig, logger zerolog.Logger) *Seeder {
	if config.PhoneRegion == "" {
		config.PhoneRegion = "IN"
	}
	return &Seeder{
		generator: NewDataGenerator(config.Seed, config.PhoneRegion),
		config:    config,
		logger:    logger.With().Str("component", "sandbox").Logger(),
	}
}

// Run creates the configured patients for the doctor in ctx. It stops at the
// first failure and reports what was written so far.
func (s *Seeder) Run(ctx context.Context, patients PatientCreator, records RecordWriter) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	for i := 0; i < s.config.PatientCount; i++ {
		in := s.generator.Patient()
		p, err := patients.Create(ctx, in)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("create patient %s: %w", in.Email, err)
		}
		result.Patients++

		for j := 0; j < s.config.HistoryPerPatient; j++ {
			if _, err := records.AddMedicalHistory(ctx, p.ID, s.generator.History()); err != nil {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("add history for %s: %w", p.ID, err)
			}
			result.HistoryEntries++
		}
		for j := 0; j < s.config.PrescriptionsPerPatient; j++ {
			if _, err := records.AddPrescription(ctx, p.ID, s.generator.Prescription()); err != nil {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("add prescription for %s: %w", p.ID, err)
			}
			result.Prescriptions++
		}
		s.logger.Debug().Str("patient", p.ID.String()).Msg("seeded patient")
	}

	result.Duration = time.Since(start)
	return result, nil
}
