// Package models defines the item bank, ability and test session records
// shared by the store, the services and the HTTP layer.
package models

import (
	"slices"
	"time"
)

// SubjectArea is one of the five ICFES Saber 11 test areas
type SubjectArea string

const (
	// SubjectMatematicas is mathematics
	SubjectMatematicas SubjectArea = "matematicas"
	// SubjectLecturaCritica is critical reading
	SubjectLecturaCritica SubjectArea = "lectura_critica"
	// SubjectCienciasNaturales is natural sciences
	SubjectCienciasNaturales SubjectArea = "ciencias_naturales"
	// SubjectCienciasSociales is social studies and citizenship
	SubjectCienciasSociales SubjectArea = "ciencias_sociales"
	// SubjectIngles is English
	SubjectIngles SubjectArea = "ingles"
)

// SubjectAreas returns every subject area in display order
func SubjectAreas() []SubjectArea {
	return []SubjectArea{
		SubjectMatematicas,
		SubjectLecturaCritica,
		SubjectCienciasNaturales,
		SubjectCienciasSociales,
		SubjectIngles,
	}
}

// IsValid reports whether s is a known subject area
func (s SubjectArea) IsValid() bool {
	return slices.Contains(SubjectAreas(), s)
}

// Item is a test question with its 3PL calibration
type Item struct {
	ID              int         `json:"id" yaml:"id"`
	SubjectArea     SubjectArea `json:"subject_area" yaml:"subject_area"`
	Stem            string      `json:"stem" yaml:"stem"`
	Options         []string    `json:"options" yaml:"options"`
	CorrectOption   string      `json:"correct_option" yaml:"correct_option"`
	DiscriminationA float64     `json:"discrimination_a" yaml:"discrimination_a"`
	DifficultyB     float64     `json:"difficulty_b" yaml:"difficulty_b"`
	GuessingC       float64     `json:"guessing_c" yaml:"guessing_c"`
	IsCalibrated    bool        `json:"is_calibrated" yaml:"is_calibrated"`
	ExposureCount   int         `json:"exposure_count" yaml:"exposure_count"`
	CreatedAt       time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" yaml:"updated_at"`
}

// ServedItem is the student-facing view of an item: no answer key, no parameters
type ServedItem struct {
	ID          int         `json:"id"`
	SubjectArea SubjectArea `json:"subject_area"`
	Stem        string      `json:"stem"`
	Options     []string    `json:"options"`
}

// Served strips the answer key and calibration from the item
func (i *Item) Served() *ServedItem {
	if i == nil {
		return nil
	}
	return &ServedItem{
		ID:          i.ID,
		SubjectArea: i.SubjectArea,
		Stem:        i.Stem,
		Options:     slices.Clone(i.Options),
	}
}

// ItemFilter narrows ListItems
type ItemFilter struct {
	SubjectArea SubjectArea
	// Calibrated filters on is_calibrated when non-nil
	Calibrated *bool
	Limit      int
	Offset     int
}

// AbilityEstimate is a student's current ability on one subject
type AbilityEstimate struct {
	UserID        string      `json:"user_id"`
	SubjectArea   SubjectArea `json:"subject_area"`
	Theta         float64     `json:"theta"`
	StandardError float64     `json:"standard_error"`
	ResponseCount int         `json:"response_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ResponseEvent is one scored answer. Rows are never updated.
type ResponseEvent struct {
	ID                 int64       `json:"id"`
	SessionID          string      `json:"session_id"`
	UserID             string      `json:"user_id"`
	SubjectArea        SubjectArea `json:"subject_area"`
	ItemID             int         `json:"item_id"`
	SelectedAnswer     string      `json:"selected_answer"`
	IsCorrect          bool        `json:"is_correct"`
	ThetaBefore        float64     `json:"theta_before"`
	ThetaAfter         float64     `json:"theta_after"`
	StandardErrorAfter float64     `json:"standard_error_after"`
	CreatedAt          time.Time   `json:"created_at"`
}

// SessionStatus is the lifecycle state of a test session
type SessionStatus string

const (
	// SessionStatusActive accepts answers
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted ended through a termination rule
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusAbandoned was closed by the student or the inactivity reaper
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal reports whether no further transitions are possible
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// TerminationReason records why a session left the active state
type TerminationReason string

const (
	TerminationMaxQuestions   TerminationReason = "max_questions"
	TerminationPrecision      TerminationReason = "standard_error_threshold"
	TerminationNoEligibleItem TerminationReason = "no_eligible_items"
	TerminationUserAbandoned  TerminationReason = "user_abandoned"
	TerminationInactivity     TerminationReason = "inactivity"
)

// TestSession is a bounded sequence of item administrations
type TestSession struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"user_id"`
	SubjectArea         SubjectArea       `json:"subject_area"`
	Status              SessionStatus     `json:"status"`
	AdministeredItemIDs []int             `json:"administered_item_ids"`
	PendingItemID       *int              `json:"pending_item_id,omitempty"`
	TerminationReason   TerminationReason `json:"termination_reason,omitempty"`
	MaxQuestions        int               `json:"max_questions"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// HasAdministered reports whether itemID was already answered in the session
func (s *TestSession) HasAdministered(itemID int) bool {
	return slices.Contains(s.AdministeredItemIDs, itemID)
}

// ResponseCount is the number of answers accepted in the session
func (s *TestSession) ResponseCount() int {
	return len(s.AdministeredItemIDs)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (s *TestSession) Clone() *TestSession {
	if s == nil {
		return nil
	}
	c := *s
	c.AdministeredItemIDs = slices.Clone(s.AdministeredItemIDs)
	if s.PendingItemID != nil {
		id := *s.PendingItemID
		c.PendingItemID = &id
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Finish moves the session to a terminal state
func (s *TestSession) Finish(status SessionStatus, reason TerminationReason, at time.Time) {
	s.Status = status
	s.TerminationReason = reason
	s.PendingItemID = nil
	s.UpdatedAt = at
	s.CompletedAt = &at
}
