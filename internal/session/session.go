package session

import (
	"fmt"
	"time"
)

const DefaultTTL = 24 * time.Hour

func newSession(id string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
		Turns:     []Turn{},
	}
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// appendTurn keeps turn timestamps non-decreasing.
func (s *Session) appendTurn(turn Turn, now time.Time) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	if n := len(s.Turns); n > 0 && turn.Timestamp.Before(s.Turns[n-1].Timestamp) {
		turn.Timestamp = s.Turns[n-1].Timestamp
	}
	s.Turns = append(s.Turns, turn)
	if turn.Role == RoleAssistant {
		if turn.Agent != "" {
			s.LastAgent = turn.Agent
		}
		s.LastToolCalls = append([]string(nil), turn.ToolCalls...)
	}
	s.UpdatedAt = now
}

func (s *Session) setPatient(p PatientContext, verified bool, now time.Time) {
	p.VerifiedAt = nil
	if verified {
		at := now
		p.VerifiedAt = &at
	}
	s.Patient = &p
	s.PatientVerified = verified
	s.UpdatedAt = now
}

func (s *Session) markVerified(now time.Time) {
	s.PatientVerified = true
	if s.Patient != nil {
		at := now
		s.Patient.VerifiedAt = &at
	}
	s.UpdatedAt = now
}

func (s *Session) recordHandoff(from, to string, now time.Time) {
	s.HandoffCount++
	s.LastAgent = to
	s.appendTurn(Turn{
		Role:      RoleSystem,
		Text:      fmt.Sprintf("Handoff from %s to %s", from, to),
		Event:     EventHandoff,
		FromAgent: from,
		ToAgent:   to,
	}, now)
}

func (s *Session) setLinkage(link Linkage, now time.Time) {
	s.Linkage = link
	s.UpdatedAt = now
}

func (s *Session) summary() Summary {
	out := Summary{
		SessionID:       s.ID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		PatientVerified: s.PatientVerified,
		TurnCount:       len(s.Turns),
		HandoffCount:    s.HandoffCount,
	}
	if s.Patient != nil {
		out.PatientMRN = s.Patient.MRN
	}
	return out
}

func clone(s *Session) *Session {
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		t.ToolCalls = append([]string(nil), t.ToolCalls...)
		c.Turns[i] = t
	}
	c.LastToolCalls = append([]string(nil), s.LastToolCalls...)
	if s.Patient != nil {
		p := *s.Patient
		if p.VerifiedAt != nil {
			at := *p.VerifiedAt
			p.VerifiedAt = &at
		}
		c.Patient = &p
	}
	return &c
}
