// Package registry holds Job records and resolves artifact delivery.
package registry

import "time"

// JobState is a state in the Download Orchestrator's state machine.
type JobState string

const (
	JobStarting         JobState = "starting"
	JobPreparing        JobState = "preparing"
	JobDownloading       JobState = "downloading"
	JobCreatingArchive   JobState = "creating_archive"
	JobCompleted         JobState = "completed"
	JobError             JobState = "error"
	JobCleaned           JobState = "cleaned"
)

// terminal reports whether a state has no outgoing transitions (Error or
// Cleaned). Completed is not terminal: it keeps the Completed -> Cleaned
// edge.
func (s JobState) terminal() bool {
	return s == JobError || s == JobCleaned
}

// Metadata is the scraped snapshot recorded against a Job at submission time.
type Metadata struct {
	Title             string `json:"title"`
	Author            string `json:"author"`
	ApplicationID     string `json:"applicationId"`
	PreviewImageURL   string `json:"previewImageUrl"`
	DeclaredSizeBytes int64  `json:"declaredSizeBytes"`
	Valid             bool   `json:"valid"`
}

// Job is the unit of work tracked by the Registry. Fields are only ever
// mutated by the Orchestrator; the Registry hands out immutable snapshots.
type Job struct {
	ID             string
	WorkshopItemID string
	State          JobState
	Progress       int
	WorkspacePath  string
	ArchivePath    string
	ArchiveSize    int64
	Metadata       Metadata
	StartedAt      time.Time
	FinishedAt     time.Time
	LastError      string
	AttemptCount   int

	// delivered marks whether the archive has been handed out via a
	// whole-file fetch; used to decide when Completed -> Cleaned disposal
	// may run without waiting for the sweeper.
	delivered bool
}

// Snapshot is an immutable copy of a Job's externally visible fields.
type Snapshot struct {
	ID             string    `json:"jobId"`
	WorkshopItemID string    `json:"itemId"`
	State          JobState  `json:"state"`
	Progress       int       `json:"progress"`
	ArchivePath    string    `json:"-"`
	ArchiveSize    int64     `json:"archiveSize,omitempty"`
	Metadata       Metadata  `json:"metadata"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	AttemptCount   int       `json:"attemptCount"`
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID:             j.ID,
		WorkshopItemID: j.WorkshopItemID,
		State:          j.State,
		Progress:       j.Progress,
		ArchivePath:    j.ArchivePath,
		ArchiveSize:    j.ArchiveSize,
		Metadata:       j.Metadata,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		LastError:      j.LastError,
		AttemptCount:   j.AttemptCount,
	}
}
