package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/tools"
)

// slotHours are the bookable hours of every doctor's day.
var slotHours = []int{9, 10, 11, 14, 15, 16}

// Authorizer reports whether the caller bound to ctx verified mrn.
type Authorizer interface {
	Authorized(ctx context.Context, mrn string) bool
}

type Service struct {
	store  Store
	auth   Authorizer
	logger zerolog.Logger
	newID  func(prefix string) string
}

func NewService(store Store, auth Authorizer, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		auth:   auth,
		logger: logger.With().Str("component", "scheduling").Logger(),
		newID:  shortID,
	}
}

func shortID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(hex[:6])
}

func unverifiedText(mrn string) string {
	return fmt.Sprintf("Patient %s has not been verified in this call. Please look up the patient, issue a verification code and verify it before accessing appointment details.", mrn)
}

func (s *Service) Tools() []tools.Tool {
	str := func(name, desc string) tools.Param {
		return tools.Param{Name: name, Type: tools.TypeString, Description: desc}
	}
	return []tools.Tool{
		{
			Name:        "search_doctors",
			Description: "Search for doctors by medical specialty. Returns matching doctors with their clinic location.",
			Params:      []tools.Param{str("specialty", "Medical specialty to search for, e.g. Cardiology, Orthopedics, Dermatology")},
			Handler:     s.searchDoctors,
		},
		{
			Name:        "search_available_slots",
			Description: "Search for available appointment slots for a specific doctor on a given date.",
			Params: []tools.Param{
				str("doctor_id", "Doctor ID to search slots for, e.g. DR001"),
				str("date", "Date to search in YYYY-MM-DD format"),
			},
			Handler: s.searchSlots,
		},
		{
			Name:        "book_appointment",
			Description: "Book an appointment for a verified patient with a specific doctor, date, and time.",
			Params: []tools.Param{
				str("patient_mrn", "Patient MRN (Medical Record Number)"),
				str("doctor_id", "Doctor ID, e.g. DR001"),
				str("date", "Appointment date in YYYY-MM-DD format"),
				str("time", "Appointment time in HH:MM format, e.g. 10:00"),
			},
			Handler: s.book,
		},
		{
			Name:        "reschedule_appointment",
			Description: "Reschedule an existing appointment to a new date and time.",
			Params: []tools.Param{
				str("appointment_id", "Existing appointment ID, e.g. APT-1001"),
				str("new_date", "New date in YYYY-MM-DD format"),
				str("new_time", "New time in HH:MM format"),
			},
			Handler: s.reschedule,
		},
		{
			Name:        "cancel_appointment",
			Description: "Cancel an existing appointment.",
			Params:      []tools.Param{str("appointment_id", "Appointment ID to cancel, e.g. APT-1001")},
			Handler:     s.cancel,
		},
		{
			Name:        "get_appointment_history",
			Description: "Get appointment history for a patient. Requires the patient to be verified first.",
			Params:      []tools.Param{str("patient_mrn", "Patient MRN to look up appointment history")},
			Handler:     s.history,
		},
		{
			Name:        "add_to_waitlist",
			Description: "Add a patient to the waitlist for a doctor when no suitable slots are available.",
			Params: []tools.Param{
				str("patient_mrn", "Patient MRN"),
				str("doctor_id", "Preferred doctor ID"),
				str("preferred_dates", "Comma-separated preferred dates in YYYY-MM-DD format"),
			},
			Handler: s.waitlist,
		},
		{
			Name:        "send_sms_confirmation",
			Description: "Send an SMS confirmation to the patient after booking an appointment.",
			Params: []tools.Param{
				str("patient_phone", "Patient phone number to send SMS to"),
				str("appointment_id", "Appointment confirmation ID"),
				str("appointment_details", "Appointment details: date, time, doctor, location"),
			},
			Handler: s.sendSMS,
		},
	}
}

func (s *Service) searchDoctors(ctx context.Context, args tools.Args) (any, error) {
	specialty := args.String("specialty")
	doctors, err := s.store.Doctors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	var matches []Doctor
	specialties := map[string]struct{}{}
	for _, d := range doctors {
		specialties[d.Specialty] = struct{}{}
		if strings.Contains(strings.ToLower(d.Specialty), strings.ToLower(specialty)) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		names := make([]string, 0, len(specialties))
		for name := range specialties {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("No doctors found for specialty '%s'. Available specialties: %s", specialty, strings.Join(names, ", ")), nil
	}
	lines := []string{fmt.Sprintf("Found %d doctor(s) for %s:", len(matches), specialty)}
	for _, d := range matches {
		lines = append(lines, fmt.Sprintf("  - %s (ID: %s) - %s", d.Name, d.ID, d.Clinic))
	}
	return strings.Join(lines, "\n"), nil
}

// FreeSlots lists the unbooked HH:MM slots of doctorID on date.
func (s *Service) FreeSlots(ctx context.Context, doctorID, date string) ([]string, error) {
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, err
	}
	booked, err := s.store.QueryAppointments(ctx, AppointmentFilter{DoctorID: doctorID, Date: date, Status: StatusConfirmed})
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	taken := make(map[string]struct{}, len(booked))
	for _, a := range booked {
		taken[a.Time] = struct{}{}
	}
	free := make([]string, 0, len(slotHours))
	for _, h := range slotHours {
		slot := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, time.UTC).Format("15:04")
		if _, ok := taken[slot]; !ok {
			free = append(free, slot)
		}
	}
	return free, nil
}

func (s *Service) searchSlots(ctx context.Context, args tools.Args) (any, error) {
	doctorID, date := args.String("doctor_id"), args.String("date")
	d, err := s.store.Doctor(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Sprintf("Doctor with ID '%s' not found.", doctorID), nil
	}
	if err != nil {
		return nil, err
	}
	free, err := s.FreeSlots(ctx, d.ID, date)
	var parseErr *time.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Sprintf("Invalid date '%s'. Please use the YYYY-MM-DD format.", date), nil
	}
	if err != nil {
		return nil, err
	}
	if len(free) == 0 {
		return fmt.Sprintf("No available slots for %s on %s.", d.Name, date), nil
	}
	lines := []string{fmt.Sprintf("Available slots for %s on %s:", d.Name, date)}
	for _, slot := range free {
		lines = append(lines, "  - "+slot)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) book(ctx context.Context, args tools.Args) (any, error) {
	mrn := strings.ToUpper(args.String("patient_mrn"))
	doctorID, date, at := args.String("doctor_id"), args.String("date"), args.String("time")
	if !s.auth.Authorized(ctx, mrn) {
		return unverifiedText(mrn), nil
	}
	d, err := s.store.Doctor(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Sprintf("Doctor with ID '%s' not found.", doctorID), nil
	}
	if err != nil {
		return nil, err
	}
	if text, err := s.slotCheck(ctx, d, date, at, ""); err != nil || text != "" {
		return text, err
	}

	apt := Appointment{
		ID:         s.newID("APT"),
		PatientMRN: mrn,
		DoctorID:   d.ID,
		DoctorName: d.Name,
		Specialty:  d.Specialty,
		Date:       date,
		Time:       at,
		Status:     StatusConfirmed,
	}
	if err := s.store.PutAppointment(ctx, apt); err != nil {
		return nil, fmt.Errorf("store appointment: %w", err)
	}
	s.logger.Info().Str("appointment_id", apt.ID).Str("doctor_id", d.ID).Msg("appointment booked")
	return fmt.Sprintf("Appointment booked successfully!\n"+
		"  Confirmation: %s\n"+
		"  Doctor: %s (%s)\n"+
		"  Date: %s at %s\n"+
		"  Location: %s", apt.ID, d.Name, d.Specialty, date, at, d.Clinic), nil
}

// slotCheck returns a caller-facing refusal when date/at is not a bookable
// free slot of d. The appointment named by moving is ignored as a clash.
func (s *Service) slotCheck(ctx context.Context, d Doctor, date, at, moving string) (string, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Sprintf("Invalid date '%s'. Please use the YYYY-MM-DD format.", date), nil
	}
	if !isSlotTime(at) {
		return fmt.Sprintf("Invalid time '%s'. Bookable slots start at %s.", at, strings.Join(slotTimes(), ", ")), nil
	}
	clash, err := s.store.QueryAppointments(ctx, AppointmentFilter{DoctorID: d.ID, Date: date, Status: StatusConfirmed})
	if err != nil {
		return "", fmt.Errorf("query appointments: %w", err)
	}
	for _, a := range clash {
		if a.Time == at && a.ID != moving {
			return fmt.Sprintf("The %s slot with %s on %s is no longer available. Please choose another time.", at, d.Name, date), nil
		}
	}
	return "", nil
}

func slotTimes() []string {
	out := make([]string, 0, len(slotHours))
	for _, h := range slotHours {
		out = append(out, fmt.Sprintf("%02d:00", h))
	}
	return out
}

func isSlotTime(at string) bool {
	for _, slot := range slotTimes() {
		if slot == at {
			return true
		}
	}
	return false
}

func (s *Service) loadForPatient(ctx context.Context, id string) (Appointment, string, error) {
	apt, err := s.store.GetAppointment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Appointment{}, fmt.Sprintf("Appointment '%s' not found.", id), nil
	}
	if err != nil {
		return Appointment{}, "", err
	}
	if !s.auth.Authorized(ctx, apt.PatientMRN) {
		return Appointment{}, unverifiedText(apt.PatientMRN), nil
	}
	return apt, "", nil
}

func (s *Service) reschedule(ctx context.Context, args tools.Args) (any, error) {
	id := strings.ToUpper(args.String("appointment_id"))
	newDate, newTime := args.String("new_date"), args.String("new_time")
	apt, text, err := s.loadForPatient(ctx, id)
	if err != nil || text != "" {
		return text, err
	}
	if apt.Status == StatusCancelled {
		return fmt.Sprintf("Appointment '%s' has been cancelled and cannot be rescheduled.", id), nil
	}
	d, err := s.store.Doctor(ctx, apt.DoctorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, ErrNotFound) {
		d = Doctor{ID: apt.DoctorID, Name: apt.DoctorName}
	}
	if text, err := s.slotCheck(ctx, d, newDate, newTime, apt.ID); err != nil || text != "" {
		return text, err
	}
	oldDate, oldTime := apt.Date, apt.Time
	apt.Date, apt.Time = newDate, newTime
	if err := s.store.PutAppointment(ctx, apt); err != nil {
		return nil, fmt.Errorf("store appointment: %w", err)
	}
	return fmt.Sprintf("Appointment %s rescheduled.\n"+
		"  From: %s at %s\n"+
		"  To:   %s at %s\n"+
		"  Doctor: %s", id, oldDate, oldTime, newDate, newTime, apt.DoctorName), nil
}

func (s *Service) cancel(ctx context.Context, args tools.Args) (any, error) {
	id := strings.ToUpper(args.String("appointment_id"))
	apt, text, err := s.loadForPatient(ctx, id)
	if err != nil || text != "" {
		return text, err
	}
	if apt.Status == StatusCancelled {
		return fmt.Sprintf("Appointment '%s' is already cancelled.", id), nil
	}
	apt.Status = StatusCancelled
	if err := s.store.PutAppointment(ctx, apt); err != nil {
		return nil, fmt.Errorf("store appointment: %w", err)
	}
	return fmt.Sprintf("Appointment %s with %s on %s at %s has been cancelled.", id, apt.DoctorName, apt.Date, apt.Time), nil
}

func (s *Service) history(ctx context.Context, args tools.Args) (any, error) {
	mrn := strings.ToUpper(args.String("patient_mrn"))
	if !s.auth.Authorized(ctx, mrn) {
		return unverifiedText(mrn), nil
	}
	apts, err := s.store.QueryAppointments(ctx, AppointmentFilter{PatientMRN: mrn})
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	if len(apts) == 0 {
		return fmt.Sprintf("No appointments found for patient %s.", mrn), nil
	}
	lines := []string{fmt.Sprintf("Appointments for patient %s:", mrn)}
	for _, a := range apts {
		lines = append(lines, fmt.Sprintf("  - [%s] %s: %s on %s at %s", strings.ToUpper(string(a.Status)), a.ID, a.DoctorName, a.Date, a.Time))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) waitlist(ctx context.Context, args tools.Args) (any, error) {
	mrn := strings.ToUpper(args.String("patient_mrn"))
	doctorID, dates := args.String("doctor_id"), args.String("preferred_dates")
	if !s.auth.Authorized(ctx, mrn) {
		return unverifiedText(mrn), nil
	}
	d, err := s.store.Doctor(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Sprintf("Doctor with ID '%s' not found.", doctorID), nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := s.store.AddWaitlistEntry(ctx, WaitlistEntry{
		ID:             s.newID("WL"),
		PatientMRN:     mrn,
		DoctorID:       d.ID,
		DoctorName:     d.Name,
		PreferredDates: dates,
		Status:         "waiting",
	})
	if err != nil {
		return nil, fmt.Errorf("add waitlist entry: %w", err)
	}
	return fmt.Sprintf("Added to waitlist for %s.\n"+
		"  Waitlist ID: %s\n"+
		"  Position: %d\n"+
		"  Preferred dates: %s\n"+
		"  We'll notify you when a slot opens up.", d.Name, entry.ID, entry.Position, dates), nil
}

func (s *Service) sendSMS(_ context.Context, args tools.Args) (any, error) {
	phone := args.String("patient_phone")
	masked := phone
	if r := []rune(phone); len(r) >= 4 {
		masked = "***-***-" + string(r[len(r)-4:])
	}
	s.logger.Info().Str("appointment_id", args.String("appointment_id")).Msg("sms confirmation queued")
	return fmt.Sprintf("SMS confirmation sent successfully.\n"+
		"  To: %s\n"+
		"  Confirmation: %s\n"+
		"  Message: Your appointment is confirmed - %s", masked, args.String("appointment_id"), args.String("appointment_details")), nil
}
