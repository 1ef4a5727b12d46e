// Package identity implements caller identity verification: patient lookup,
// one-time code issuance and per-session verification state.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/sessionctx"
)

// State is the verification state of one (session, patient) pair.
type State string

const (
	StateUnverified State = "unverified"
	StateCodeIssued State = "code_issued"
	StateVerified   State = "verified"
)

var (
	ErrPatientNotFound   = errors.New("patient not found")
	ErrNoOutstandingCode = errors.New("no outstanding code")
	ErrCodeMismatch      = errors.New("code mismatch")
	ErrNoSession         = errors.New("no caller session bound")
)

// CodeGenerator produces one-time codes.
type CodeGenerator func() (string, error)

// FixedCode always hands out code. Used for demos.
func FixedCode(code string) CodeGenerator {
	return func() (string, error) { return code, nil }
}

// RandomCode produces uniformly random 6-digit codes.
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// MaskedPatient is the caller-safe view of a directory record.
type MaskedPatient struct {
	MRN         string `json:"mrn"`
	Name        string `json:"name"`
	PhoneMasked string `json:"phone_masked"`
	DOB         string `json:"dob"`
}

// Mask returns the caller-safe view of p.
func (p Patient) Mask() MaskedPatient {
	return MaskedPatient{MRN: p.MRN, Name: p.Name, PhoneMasked: MaskContact(p.Phone), DOB: p.DOB}
}

// Issued describes a freshly issued code.
type Issued struct {
	MRN         string
	PhoneMasked string
	Code        string
}

type outstandingCode struct {
	code      string
	sessionID string
	issuedAt  time.Time
}

// Options configure a Verifier.
type Options struct {
	Generator CodeGenerator
	// Demo adds the issued code to the issue_code tool text.
	Demo   bool
	Logger zerolog.Logger
	Now    func() time.Time
}

// Verifier owns outstanding codes (per patient) and verified sets (per
// session). It is safe for concurrent use.
type Verifier struct {
	dir    Directory
	gen    CodeGenerator
	demo   bool
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	codes        map[string]outstandingCode
	verified     map[string]map[string]time.Time
	lastVerified map[string]Patient
}

func NewVerifier(dir Directory, opts Options) *Verifier {
	gen := opts.Generator
	if gen == nil {
		gen = RandomCode
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Verifier{
		dir:          dir,
		gen:          gen,
		demo:         opts.Demo,
		logger:       opts.Logger.With().Str("component", "identity").Logger(),
		now:          now,
		codes:        make(map[string]outstandingCode),
		verified:     make(map[string]map[string]time.Time),
		lastVerified: make(map[string]Patient),
	}
}

// Lookup resolves an MRN (prefix "MRN", any case) or a phone number.
func (v *Verifier) Lookup(ctx context.Context, identifier string) (Patient, error) {
	identifier = strings.TrimSpace(identifier)
	var (
		p   Patient
		ok  bool
		err error
	)
	if strings.HasPrefix(strings.ToUpper(identifier), "MRN") {
		p, ok, err = v.dir.ByMRN(ctx, strings.ToUpper(identifier))
	} else {
		p, ok, err = v.dir.ByPhone(ctx, identifier)
	}
	if err != nil {
		return Patient{}, fmt.Errorf("lookup patient: %w", err)
	}
	if !ok {
		return Patient{}, ErrPatientNotFound
	}
	return p, nil
}

// IssueCode stores a fresh code for mrn, replacing any outstanding one.
func (v *Verifier) IssueCode(ctx context.Context, mrn string) (Issued, error) {
	mrn = normalizeMRN(mrn)
	p, ok, err := v.dir.ByMRN(ctx, mrn)
	if err != nil {
		return Issued{}, fmt.Errorf("lookup patient: %w", err)
	}
	if !ok {
		return Issued{}, ErrPatientNotFound
	}
	code, err := v.gen()
	if err != nil {
		return Issued{}, err
	}
	sessionID, _ := sessionctx.From(ctx)

	v.mu.Lock()
	v.codes[mrn] = outstandingCode{code: code, sessionID: sessionID, issuedAt: v.now()}
	v.mu.Unlock()

	v.logger.Info().Str("mrn", mrn).Str("session_id", sessionID).Msg("verification code issued")
	return Issued{MRN: mrn, PhoneMasked: MaskContact(p.Phone), Code: code}, nil
}

// VerifyCode checks code against the outstanding code for mrn. A match
// consumes the code and marks mrn verified for the session bound to ctx; a
// mismatch leaves the code in place.
func (v *Verifier) VerifyCode(ctx context.Context, mrn, code string) (Patient, error) {
	mrn = normalizeMRN(mrn)
	sessionID, ok := sessionctx.From(ctx)
	if !ok {
		return Patient{}, ErrNoSession
	}

	v.mu.Lock()
	outstanding, ok := v.codes[mrn]
	if !ok {
		v.mu.Unlock()
		return Patient{}, ErrNoOutstandingCode
	}
	if strings.TrimSpace(code) != outstanding.code {
		v.mu.Unlock()
		v.logger.Info().Str("mrn", mrn).Str("session_id", sessionID).Msg("verification code rejected")
		return Patient{}, ErrCodeMismatch
	}
	delete(v.codes, mrn)
	v.mu.Unlock()

	p, found, err := v.dir.ByMRN(ctx, mrn)
	if err != nil {
		return Patient{}, fmt.Errorf("lookup patient: %w", err)
	}
	if !found {
		p = Patient{MRN: mrn}
	}

	v.mu.Lock()
	set, ok := v.verified[sessionID]
	if !ok {
		set = make(map[string]time.Time)
		v.verified[sessionID] = set
	}
	set[mrn] = v.now()
	v.lastVerified[sessionID] = p
	v.mu.Unlock()

	v.logger.Info().Str("mrn", mrn).Str("session_id", sessionID).Msg("patient verified")
	return p, nil
}

// IsVerified reports whether mrn was verified within sessionID.
func (v *Verifier) IsVerified(sessionID, mrn string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.verified[sessionID][normalizeMRN(mrn)]
	return ok
}

// Authorized reports whether mrn is verified for the session bound to ctx.
func (v *Verifier) Authorized(ctx context.Context, mrn string) bool {
	sessionID, ok := sessionctx.From(ctx)
	if !ok {
		return false
	}
	return v.IsVerified(sessionID, mrn)
}

// State reports the verification state of mrn as seen from sessionID. A code
// issued from another session does not count.
func (v *Verifier) State(sessionID, mrn string) State {
	mrn = normalizeMRN(mrn)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.verified[sessionID][mrn]; ok {
		return StateVerified
	}
	if c, ok := v.codes[mrn]; ok && c.sessionID == sessionID {
		return StateCodeIssued
	}
	return StateUnverified
}

// TakeLastVerified returns and clears the patient most recently verified in
// sessionID.
func (v *Verifier) TakeLastVerified(sessionID string) (Patient, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.lastVerified[sessionID]
	if ok {
		delete(v.lastVerified, sessionID)
	}
	return p, ok
}

// ForgetSession drops all verification state tied to sessionID, including
// codes issued from it.
func (v *Verifier) ForgetSession(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.verified, sessionID)
	delete(v.lastVerified, sessionID)
	for mrn, c := range v.codes {
		if c.sessionID == sessionID {
			delete(v.codes, mrn)
		}
	}
}

func normalizeMRN(mrn string) string {
	return strings.ToUpper(strings.TrimSpace(mrn))
}
