package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/tools"
)

// Authorizer reports whether the caller bound to ctx verified mrn.
type Authorizer interface {
	Authorized(ctx context.Context, mrn string) bool
}

// Tools returns search_patient_memory, gated on verification.
func (g *Grounder) Tools(auth Authorizer) []tools.Tool {
	return []tools.Tool{{
		Name:        "search_patient_memory",
		Description: "Search long-term context about a verified patient, such as preferences and past conversation summaries.",
		Params: []tools.Param{
			{Name: "patient_mrn", Type: tools.TypeString, Description: "Patient MRN"},
			{Name: "query", Type: tools.TypeString, Description: "What to look for, e.g. preferred appointment time"},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			mrn := strings.ToUpper(args.String("patient_mrn"))
			if !auth.Authorized(ctx, mrn) {
				return fmt.Sprintf("Patient %s has not been verified in this call. Verify the patient before searching their history.", mrn), nil
			}
			if !g.Enabled() {
				return "Long-term memory is not available right now.", nil
			}
			items := g.Search(ctx, mrn, args.String("query"))
			if len(items) == 0 {
				return fmt.Sprintf("No stored context for patient %s.", mrn), nil
			}
			lines := []string{fmt.Sprintf("Stored context for patient %s:", mrn)}
			for _, note := range Notes(items) {
				lines = append(lines, "  - "+note)
			}
			return strings.Join(lines, "\n"), nil
		},
	}}
}
