package verification

import (
	"strings"
	"unicode"
)

// Outcome is the closed internal classification of a provider event.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeInReview   Outcome = "in_review"
	OutcomeApproved   Outcome = "approved"
	OutcomeDeclined   Outcome = "declined"
	OutcomeAbandoned  Outcome = "abandoned"
)

// Resolved reports whether the outcome ends the provider-side flow or needs review.
func (o Outcome) Resolved() bool { return o != OutcomeInProgress }

var statusTable = map[string]Outcome{
	"not_started":    OutcomeInProgress,
	"started":        OutcomeInProgress,
	"pending":        OutcomeInProgress,
	"in_progress":    OutcomeInProgress,
	"processing":     OutcomeInProgress,
	"created":        OutcomeInProgress,
	"resubmitted":    OutcomeInProgress,
	"approved":       OutcomeApproved,
	"verified":       OutcomeApproved,
	"completed":      OutcomeApproved,
	"success":        OutcomeApproved,
	"succeeded":      OutcomeApproved,
	"passed":         OutcomeApproved,
	"accepted":       OutcomeApproved,
	"declined":       OutcomeDeclined,
	"failed":         OutcomeDeclined,
	"rejected":       OutcomeDeclined,
	"denied":         OutcomeDeclined,
	"abandoned":      OutcomeAbandoned,
	"expired":        OutcomeAbandoned,
	"cancelled":      OutcomeAbandoned,
	"canceled":       OutcomeAbandoned,
	"timeout":        OutcomeAbandoned,
	"kyc_expired":    OutcomeAbandoned,
	"in_review":      OutcomeInReview,
	"review":         OutcomeInReview,
	"under_review":   OutcomeInReview,
	"pending_review": OutcomeInReview,
	"manual_review":  OutcomeInReview,
}

// Event names that name their outcome explicitly. Generic names such as
// "status_updated" are absent so the status decides.
var eventTable = map[string]Outcome{
	"session_created":        OutcomeInProgress,
	"session_started":        OutcomeInProgress,
	"verification_started":   OutcomeInProgress,
	"verification_pending":   OutcomeInProgress,
	"session_approved":       OutcomeApproved,
	"verification_approved":  OutcomeApproved,
	"verification_completed": OutcomeApproved,
	"verification_succeeded": OutcomeApproved,
	"session_declined":       OutcomeDeclined,
	"verification_declined":  OutcomeDeclined,
	"verification_failed":    OutcomeDeclined,
	"verification_rejected":  OutcomeDeclined,
	"session_abandoned":      OutcomeAbandoned,
	"session_expired":        OutcomeAbandoned,
	"verification_expired":   OutcomeAbandoned,
	"verification_cancelled": OutcomeAbandoned,
	"verification_canceled":  OutcomeAbandoned,
	"session_in_review":      OutcomeInReview,
	"verification_in_review": OutcomeInReview,
	"review_required":        OutcomeInReview,
}

// Normalize trims, lowercases and collapses runs of whitespace, hyphens and
// dots into a single underscore.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' || r == '.' || r == '_' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('_')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// ClassifyStatus maps a provider status, defaulting to in progress.
func ClassifyStatus(status string) Outcome {
	if o, ok := statusTable[Normalize(status)]; ok {
		return o
	}
	return OutcomeInProgress
}

// Classify prefers an explicit event name and falls back to the status.
func Classify(eventType, status string) Outcome {
	if o, ok := eventTable[Normalize(eventType)]; ok {
		return o
	}
	return ClassifyStatus(status)
}
