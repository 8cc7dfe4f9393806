package models

import (
	"time"

	"github.com/google/uuid"
)

// Answers maps question id to the decoded JSON answer value: string, float64, []any,
// map[string]any or nil depending on the question type.
type Answers map[string]any

// AnalysisStatus tracks the post-submission summary job.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Submission is one respondent's completed answer set. Immutable once created.
type Submission struct {
	ID              uuid.UUID      `json:"id"`
	FormID          uuid.UUID      `json:"form_id"`
	SessionID       string         `json:"session_id"`
	UserID          *uuid.UUID     `json:"user_id,omitempty"`
	Answers         Answers        `json:"answers"`
	DurationSeconds *int           `json:"duration_seconds,omitempty"`
	SubmitterIP     string         `json:"submitter_ip,omitempty"`
	UserAgent       string         `json:"submitter_user_agent,omitempty"`
	Analysis        string         `json:"analysis,omitempty"`
	AnalysisStatus  AnalysisStatus `json:"analysis_status"`
	CreatedAt       time.Time      `json:"created_at"`
}

// FileRef is a reference to an uploaded file as submitted for a file_upload question.
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	URL  string `json:"url"`
}
