package store

import (
	"time"

	"gorm.io/gorm"
)

// base mirrors the teacher's base struct: a UUIDv7 primary key plus
// GORM-managed timestamps. UUIDv7 keeps ids time-ordered for free, without a
// separate created_at index.
type base struct {
	ID        string `gorm:"type:text;primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		id, err := newUUIDv7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Provider identifies which GitLab variant an account authenticates against.
type Provider string

const (
	ProviderGitlabCloud  Provider = "gitlab-cloud"
	ProviderGitlabOnprem Provider = "gitlab-onprem"
)

// JobStatus is the job state-machine's current state (§4.F).
type JobStatus string

const (
	JobQueued                   JobStatus = "queued"
	JobRunning                  JobStatus = "running"
	JobPaused                   JobStatus = "paused"
	JobFinished                 JobStatus = "finished"
	JobFailed                   JobStatus = "failed"
	JobWaitingCredentialRenewal JobStatus = "waiting_credential_renewal"
)

// AreaType distinguishes a group namespace from a project namespace.
type AreaType string

const (
	AreaGroup   AreaType = "group"
	AreaProject AreaType = "project"
)

// Account holds the OAuth credentials the job service reads to decide
// whether a job is eligible for dispatch. The token fields are the external
// collaborator's (OAuth login flow) output — this store only persists and
// reads them.
type Account struct {
	base
	UserID       string   `gorm:"index;not null"`
	Provider     Provider `gorm:"not null"`
	APIBaseURL   string   `gorm:"not null"`
	AccessToken  string   `gorm:"type:text;not null;default:''"`
	RefreshToken string   `gorm:"type:text;not null;default:''"`
	ExpiresAt    *time.Time
}

// HasToken reports whether the account currently carries an access token —
// used by get_available to filter out accounts pending OAuth login.
func (a *Account) HasToken() bool { return a.AccessToken != "" }

// Job is a unit of crawl work persisted in the control plane (§3 Data Model).
type Job struct {
	base
	Command     string    `gorm:"not null;index"`
	FullPath    string    `gorm:"default:''"`
	AccountID   string    `gorm:"not null;index"`
	UserID      string    `gorm:"default:''"`
	Provider    Provider  `gorm:"not null"`
	APIBaseURL  string    `gorm:"not null"`
	Status      JobStatus `gorm:"not null;index;default:'queued'"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Progress    JSONMap `gorm:"type:text"`
	ResumeState JSONMap `gorm:"type:text"`
	SpawnedFrom string  `gorm:"default:'';index"`
}

// Area is a discovered namespace (group or project) on the source service.
type Area struct {
	ID        string   `gorm:"type:text;primaryKey"` // GitLab numeric id as string
	FullPath  string   `gorm:"uniqueIndex;not null"`
	GitlabID  string   `gorm:"not null"`
	Name      string   `gorm:"not null"`
	Type      AreaType `gorm:"not null"`
	CreatedAt time.Time
}

// AreaAuthorization grants an account access to an area's artifacts.
type AreaAuthorization struct {
	AccountID string `gorm:"primaryKey"`
	AreaPath  string `gorm:"primaryKey;index"`
	CreatedAt time.Time
}
