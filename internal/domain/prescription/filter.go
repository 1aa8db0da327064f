package prescription

import (
	"strings"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/pkg/civil"
	"github.com/cmmsalud/clinic-api/pkg/paging"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListQuery is the caller-supplied listing request.
type ListQuery struct {
	PatientID         *uuid.UUID
	DoctorID          *uuid.UUID
	PatientDocumentID string
	Status            string
	MedicationName    string
	Page              int
	PageSize          int
}

// Filter is the normalised query handed to the store. An empty StatusLabel
// imposes no restriction; Today drives the date-based status predicates.
type Filter struct {
	PatientID      *uuid.UUID
	DoctorID       *uuid.UUID
	Document       string
	DocumentNorm   string
	StatusLabel    string
	MedicationName string
	Today          civil.Date
	Limit          int
	Offset         int
}

// NormalizePaging applies the defaults: page>=1, size default 20, capped at 100.
func NormalizePaging(page, size int) (int, int) {
	return paging.Normalize(page, size, defaultPageSize, maxPageSize)
}

// NormalizeDocument trims a document number and strips dashes and spaces.
func NormalizeDocument(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("-", "", " ", "").Replace(s)
}

// NormalizeStatusLabel maps a client label onto one of the projection labels.
// Unknown labels return "" and impose no restriction.
func NormalizeStatusLabel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LabelUsed, LabelDispensed:
		return LabelUsed
	case LabelExpired:
		return LabelExpired
	case LabelCancelled, "canceled", string(StatusHidden):
		return LabelCancelled
	case LabelPaused:
		return LabelPaused
	case LabelActive:
		return LabelActive
	}
	return ""
}

// Matches evaluates f against p in memory. The store must apply the same
// predicate in SQL.
func (f Filter) Matches(p *Prescription) bool {
	if f.PatientID != nil && p.PatientID != *f.PatientID {
		return false
	}
	if f.DoctorID != nil && p.DoctorID != *f.DoctorID {
		return false
	}
	if f.Document != "" {
		if p.Patient == nil {
			return false
		}
		doc := p.Patient.DocumentID
		if doc != f.Document && NormalizeDocument(doc) != f.DocumentNorm {
			return false
		}
	}
	if f.MedicationName != "" &&
		!strings.Contains(strings.ToLower(p.MedicationName), strings.ToLower(f.MedicationName)) {
		return false
	}
	if f.StatusLabel != "" {
		label := ProjectStatus(p, "", f.Today)
		if label == LabelDispensed {
			label = LabelUsed
		}
		if label != f.StatusLabel {
			return false
		}
	}
	return true
}
