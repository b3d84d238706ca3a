package model

import "fmt"

// MalformedRecordError reports a candidate record that failed basic shape
// validation. The record is dropped; the rest of its provider's list is
// still processed.
type MalformedRecordError struct {
	Provider string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record from %s: %s", e.Provider, e.Reason)
}

// Validate checks the minimal shape every candidate must satisfy before it
// enters deduplication.
func (c CandidateRecord) Validate() error {
	switch {
	case c.Provider == "":
		return &MalformedRecordError{Provider: c.Provider, Reason: "missing provider"}
	case c.Title == "":
		return &MalformedRecordError{Provider: c.Provider, Reason: "missing title"}
	case c.Rank < 0:
		return &MalformedRecordError{Provider: c.Provider, Reason: fmt.Sprintf("negative rank %d", c.Rank)}
	case c.Year < 0:
		return &MalformedRecordError{Provider: c.Provider, Reason: fmt.Sprintf("invalid year %d", c.Year)}
	}
	return nil
}
