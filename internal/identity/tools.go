package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/tools"
)

// Tools returns lookup_patient, issue_code and verify_code bound to v.
func (v *Verifier) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Name:        "lookup_patient",
			Description: "Look up a patient by phone number or MRN. Returns masked patient info for confirmation.",
			Params: []tools.Param{
				{Name: "identifier", Type: tools.TypeString, Description: "Patient phone number (e.g. +971501234567) or MRN (e.g. MRN-5001)"},
			},
			Handler: v.lookupTool,
		},
		{
			Name:        "issue_code",
			Description: "Send a one-time verification code to the patient's registered phone number.",
			Params: []tools.Param{
				{Name: "patient_mrn", Type: tools.TypeString, Description: "Patient MRN to send the code to, e.g. MRN-5001"},
			},
			Handler: v.issueTool,
		},
		{
			Name:        "verify_code",
			Description: "Verify the one-time code provided by the patient. Must be called before accessing protected health information.",
			Params: []tools.Param{
				{Name: "patient_mrn", Type: tools.TypeString, Description: "Patient MRN"},
				{Name: "otp_code", Type: tools.TypeString, Description: "The 6-digit code provided by the patient"},
			},
			Handler: v.verifyTool,
		},
	}
}

func (v *Verifier) lookupTool(ctx context.Context, args tools.Args) (any, error) {
	identifier := args.String("identifier")
	p, err := v.Lookup(ctx, identifier)
	if errors.Is(err, ErrPatientNotFound) {
		return fmt.Sprintf("No patient found with identifier '%s'. Please verify and try again.", identifier), nil
	}
	if err != nil {
		return nil, err
	}
	m := p.Mask()
	return fmt.Sprintf("Patient found:\n"+
		"  Name: %s\n"+
		"  MRN: %s\n"+
		"  Phone (masked): %s\n"+
		"  Date of Birth: %s\n"+
		"A one-time code must be issued and verified before accessing appointment details.",
		m.Name, m.MRN, m.PhoneMasked, m.DOB), nil
}

func (v *Verifier) issueTool(ctx context.Context, args tools.Args) (any, error) {
	mrn := args.String("patient_mrn")
	issued, err := v.IssueCode(ctx, mrn)
	if errors.Is(err, ErrPatientNotFound) {
		return fmt.Sprintf("Patient '%s' not found.", mrn), nil
	}
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Verification code sent to %s.\nPlease ask the patient to provide the 6-digit code.", issued.PhoneMasked)
	if v.demo {
		text += fmt.Sprintf("\n(Demo hint: the code is %s)", issued.Code)
	}
	return text, nil
}

func (v *Verifier) verifyTool(ctx context.Context, args tools.Args) (any, error) {
	mrn := normalizeMRN(args.String("patient_mrn"))
	p, err := v.VerifyCode(ctx, mrn, args.String("otp_code"))
	switch {
	case errors.Is(err, ErrNoOutstandingCode):
		return fmt.Sprintf("No outstanding verification code for patient '%s'. Please issue a code first.", mrn), nil
	case errors.Is(err, ErrCodeMismatch):
		return "Invalid verification code. Please ask the patient to try again.", nil
	case errors.Is(err, ErrNoSession):
		return "Verification is only possible within an active caller session.", nil
	case err != nil:
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = mrn
	}
	return fmt.Sprintf("Identity verified successfully for %s.\n"+
		"  MRN: %s\n"+
		"You may now access appointment information for this patient.", name, mrn), nil
}
