// Package scheduling exposes doctor search and appointment management tools
// over a storage port.
package scheduling

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("not found")

type Doctor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
	Clinic    string `json:"clinic"`
}

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

type Appointment struct {
	ID         string            `json:"id"`
	PatientMRN string            `json:"patient_mrn"`
	DoctorID   string            `json:"doctor_id"`
	DoctorName string            `json:"doctor_name"`
	Specialty  string            `json:"specialty"`
	Date       string            `json:"date"`
	Time       string            `json:"time"`
	Status     AppointmentStatus `json:"status"`
}

type WaitlistEntry struct {
	ID             string `json:"id"`
	PatientMRN     string `json:"patient_mrn"`
	DoctorID       string `json:"doctor_id"`
	DoctorName     string `json:"doctor_name"`
	PreferredDates string `json:"preferred_dates"`
	Status         string `json:"status"`
	Position       int    `json:"position"`
}

// AppointmentFilter selects appointments; empty fields match everything.
type AppointmentFilter struct {
	PatientMRN string
	DoctorID   string
	Date       string
	Status     AppointmentStatus
}

func (f AppointmentFilter) match(a Appointment) bool {
	if f.PatientMRN != "" && !strings.EqualFold(f.PatientMRN, a.PatientMRN) {
		return false
	}
	if f.DoctorID != "" && f.DoctorID != a.DoctorID {
		return false
	}
	if f.Date != "" && f.Date != a.Date {
		return false
	}
	if f.Status != "" && f.Status != a.Status {
		return false
	}
	return true
}

// Store is the scheduling storage port. A CRM or scheduling API adapter
// implements it in production.
type Store interface {
	Doctors(ctx context.Context) ([]Doctor, error)
	Doctor(ctx context.Context, id string) (Doctor, error)
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	PutAppointment(ctx context.Context, apt Appointment) error
	QueryAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	// AddWaitlistEntry stores entry and assigns its position in the doctor's queue.
	AddWaitlistEntry(ctx context.Context, entry WaitlistEntry) (WaitlistEntry, error)
}

type InMemoryStore struct {
	mu           sync.RWMutex
	doctors      []Doctor
	appointments map[string]Appointment
	waitlist     []WaitlistEntry
}

func NewInMemoryStore(doctors []Doctor, appointments []Appointment) *InMemoryStore {
	s := &InMemoryStore{
		doctors:      append([]Doctor(nil), doctors...),
		appointments: make(map[string]Appointment, len(appointments)),
	}
	for _, a := range appointments {
		s.appointments[a.ID] = a
	}
	return s
}

// NewDemoStore returns a store seeded with the reference clinic roster.
func NewDemoStore() *InMemoryStore {
	return NewInMemoryStore(DemoDoctors(), DemoAppointments())
}

func (s *InMemoryStore) Doctors(context.Context) ([]Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Doctor(nil), s.doctors...), nil
}

func (s *InMemoryStore) Doctor(_ context.Context, id string) (Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.doctors {
		if strings.EqualFold(d.ID, strings.TrimSpace(id)) {
			return d, nil
		}
	}
	return Doctor{}, ErrNotFound
}

func (s *InMemoryStore) GetAppointment(_ context.Context, id string) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) PutAppointment(_ context.Context, apt Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[apt.ID] = apt
	return nil
}

func (s *InMemoryStore) QueryAppointments(_ context.Context, filter AppointmentFilter) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Appointment, 0)
	for _, a := range s.appointments {
		if filter.match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) AddWaitlistEntry(_ context.Context, entry WaitlistEntry) (WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position := 1
	for _, e := range s.waitlist {
		if e.DoctorID == entry.DoctorID && e.Status == "waiting" {
			position++
		}
	}
	entry.Position = position
	s.waitlist = append(s.waitlist, entry)
	return entry, nil
}

func DemoDoctors() []Doctor {
	return []Doctor{
		{ID: "DR001", Name: "Dr. Sarah Al-Mansoori", Specialty: "Cardiology", Clinic: "Heart Center - Floor 3"},
		{ID: "DR002", Name: "Dr. Ahmed Khalil", Specialty: "Orthopedics", Clinic: "Bone & Joint - Floor 2"},
		{ID: "DR003", Name: "Dr. Fatima Hassan", Specialty: "Dermatology", Clinic: "Skin Care - Floor 1"},
		{ID: "DR004", Name: "Dr. Omar Nasser", Specialty: "Pediatrics", Clinic: "Children's Wing - Floor 4"},
		{ID: "DR005", Name: "Dr. Layla Ibrahim", Specialty: "General Medicine", Clinic: "Primary Care - Floor 1"},
		{ID: "DR006", Name: "Dr. Yousef Qasim", Specialty: "Cardiology", Clinic: "Heart Center - Floor 3"},
	}
}

func DemoAppointments() []Appointment {
	return []Appointment{
		{ID: "APT-1001", PatientMRN: "MRN-5050", DoctorID: "DR001", DoctorName: "Dr. Sarah Al-Mansoori", Specialty: "Cardiology", Date: "2026-02-15", Time: "10:00", Status: StatusConfirmed},
		{ID: "APT-1002", PatientMRN: "MRN-5050", DoctorID: "DR005", DoctorName: "Dr. Layla Ibrahim", Specialty: "General Medicine", Date: "2026-02-20", Time: "14:30", Status: StatusConfirmed},
	}
}
