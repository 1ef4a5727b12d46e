package identity

import (
	"context"
	"strings"
	"sync"
)

// Patient is a directory record. Contact data leaves this package masked.
type Patient struct {
	MRN        string `json:"mrn"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	DOB        string `json:"dob"`
	EmiratesID string `json:"emirates_id,omitempty"`
}

// Directory resolves patients by MRN or phone number.
type Directory interface {
	ByMRN(ctx context.Context, mrn string) (Patient, bool, error)
	ByPhone(ctx context.Context, phone string) (Patient, bool, error)
}

// InMemoryDirectory is a static Directory, used for demos and tests.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	byMRN   map[string]Patient
	byPhone map[string]string
}

func NewInMemoryDirectory(patients ...Patient) *InMemoryDirectory {
	d := &InMemoryDirectory{
		byMRN:   make(map[string]Patient, len(patients)),
		byPhone: make(map[string]string, len(patients)),
	}
	for _, p := range patients {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a patient.
func (d *InMemoryDirectory) Put(p Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p.MRN = strings.ToUpper(strings.TrimSpace(p.MRN))
	if old, ok := d.byMRN[p.MRN]; ok {
		delete(d.byPhone, normalizePhone(old.Phone))
	}
	d.byMRN[p.MRN] = p
	if phone := normalizePhone(p.Phone); phone != "" {
		d.byPhone[phone] = p.MRN
	}
}

func (d *InMemoryDirectory) ByMRN(_ context.Context, mrn string) (Patient, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byMRN[strings.ToUpper(strings.TrimSpace(mrn))]
	return p, ok, nil
}

func (d *InMemoryDirectory) ByPhone(_ context.Context, phone string) (Patient, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mrn, ok := d.byPhone[normalizePhone(phone)]
	if !ok {
		return Patient{}, false, nil
	}
	p, ok := d.byMRN[mrn]
	return p, ok, nil
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DemoPatients is the seeded directory of the reference deployment.
func DemoPatients() []Patient {
	return []Patient{
		{MRN: "MRN-5001", Name: "Khalid Al-Rashid", Phone: "+971501234567", DOB: "1985-03-12", EmiratesID: "784-****-*****-0"},
		{MRN: "MRN-5050", Name: "Hamza El-Ghoujdami", Phone: "+971544842805", DOB: "1993-05-28", EmiratesID: "784-****-*****-1"},
		{MRN: "MRN-5002", Name: "Mariam Abdullah", Phone: "+971509876543", DOB: "1990-07-22", EmiratesID: "784-****-*****-2"},
		{MRN: "MRN-5003", Name: "Hassan Youssef", Phone: "+971507654321", DOB: "1978-11-05", EmiratesID: "784-****-*****-3"},
	}
}
