package model

import (
	"time"
)

// Kind identifies a resource type in the metadata store
type Kind string

const (
	KindSubmission     Kind = "submission"
	KindDeposit        Kind = "deposit"
	KindRepository     Kind = "repository"
	KindRepositoryCopy Kind = "repository-copy"
	KindFile           Kind = "file"
)

// Resource is implemented by every store-backed domain type
type Resource interface {
	ResourceKind() Kind
	GetID() string
	SetID(id string)
	GetEtag() string
	SetEtag(etag string)
}

// SubmissionStatus is the aggregated status of a submission
type SubmissionStatus string

const (
	SubmissionNotStarted SubmissionStatus = "not-started"
	SubmissionInProgress SubmissionStatus = "in-progress"
	SubmissionAccepted   SubmissionStatus = "accepted"
	SubmissionRejected   SubmissionStatus = "rejected"
	SubmissionComplete   SubmissionStatus = "complete"
	SubmissionCancelled  SubmissionStatus = "cancelled"
	SubmissionFailed     SubmissionStatus = "failed"
)

// Terminal reports whether the submission status may never be re-opened
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionComplete || s == SubmissionCancelled
}

// DepositStatus is the internal lifecycle state of a deposit
type DepositStatus string

const (
	// DepositDirty marks a deposit eligible for (re)processing
	DepositDirty     DepositStatus = ""
	DepositSubmitted DepositStatus = "submitted"
	DepositAccepted  DepositStatus = "accepted"
	DepositRejected  DepositStatus = "rejected"
	DepositFailed    DepositStatus = "failed"
)

// Intermediate reports whether the deposit may still be advanced by a
// deposit task: the deposit is dirty or awaiting its logical outcome
func (s DepositStatus) Intermediate() bool {
	return s == DepositDirty || s == DepositSubmitted
}

// Terminal reports whether the deposit reached a final outcome
func (s DepositStatus) Terminal() bool {
	return s == DepositAccepted || s == DepositRejected || s == DepositFailed
}

// CopyStatus tracks the state of a repository copy
type CopyStatus string

const (
	CopyInProgress CopyStatus = "in-progress"
	CopyComplete   CopyStatus = "complete"
	CopyRejected   CopyStatus = "rejected"
	CopyStalled    CopyStatus = "stalled"
)

// IntegrationType describes how a repository participates in deposit
type IntegrationType string

const (
	IntegrationFull    IntegrationType = "full"
	IntegrationOneWay  IntegrationType = "one-way"
	IntegrationWebLink IntegrationType = "web-link"
)

// Submission is a user's intent to deposit to one or more repositories
type Submission struct {
	ID               string           `json:"id"`
	Etag             string           `json:"etag,omitempty"`
	Submitted        bool             `json:"submitted"`
	AggregatedStatus SubmissionStatus `json:"aggregatedStatus,omitempty"`
	Repositories     []string         `json:"repositories,omitempty"`
	Metadata         Metadata         `json:"metadata,omitempty"`
	SubmittedAt      time.Time        `json:"submittedAt,omitempty"`
}

func (s *Submission) ResourceKind() Kind { return KindSubmission }
func (s *Submission) GetID() string      { return s.ID }
func (s *Submission) SetID(id string)    { s.ID = id }
func (s *Submission) GetEtag() string    { return s.Etag }
func (s *Submission) SetEtag(e string)   { s.Etag = e }

// Metadata carries the scholarly descriptive metadata of a submission
type Metadata struct {
	ArticleTitle    string   `json:"articleTitle,omitempty"`
	JournalTitle    string   `json:"journalTitle,omitempty"`
	ISSN            string   `json:"issn,omitempty"`
	ManuscriptTitle string   `json:"manuscriptTitle,omitempty"`
	DOI             string   `json:"doi,omitempty"`
	Authors         []Person `json:"authors,omitempty"`
}

// Person is an author or submitter referenced by submission metadata
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// File is a user-supplied file attached to a submission
type File struct {
	ID           string `json:"id"`
	Etag         string `json:"etag,omitempty"`
	SubmissionID string `json:"submissionId"`
	Name         string `json:"name"`
	// Location is the URL the file content can be retrieved from
	Location string `json:"location"`
	Role     string `json:"role,omitempty"`
}

func (f *File) ResourceKind() Kind { return KindFile }
func (f *File) GetID() string      { return f.ID }
func (f *File) SetID(id string)    { f.ID = id }
func (f *File) GetEtag() string    { return f.Etag }
func (f *File) SetEtag(e string)   { f.Etag = e }

// Deposit records one transfer attempt for one (submission, repository)
// tuple. An empty Status means the deposit is dirty and may be picked
// up for processing.
type Deposit struct {
	ID           string        `json:"id"`
	Etag         string        `json:"etag,omitempty"`
	SubmissionID string        `json:"submissionId"`
	RepositoryID string        `json:"repositoryId"`
	Status       DepositStatus `json:"status,omitempty"`
	// StatusRef is the URL of an external status document, when the
	// target publishes one. Whoever sets StatusRef must also create
	// the linked RepositoryCopy; the reconciler relies on both.
	StatusRef        string `json:"statusRef,omitempty"`
	RepositoryCopyID string `json:"repositoryCopyId,omitempty"`
}

func (d *Deposit) ResourceKind() Kind { return KindDeposit }
func (d *Deposit) GetID() string      { return d.ID }
func (d *Deposit) SetID(id string)    { d.ID = id }
func (d *Deposit) GetEtag() string    { return d.Etag }
func (d *Deposit) SetEtag(e string)   { d.Etag = e }

// Repository is a deposit target known to the metadata store
type Repository struct {
	ID              string          `json:"id"`
	Etag            string          `json:"etag,omitempty"`
	RepositoryKey   string          `json:"repositoryKey"`
	Name            string          `json:"name,omitempty"`
	IntegrationType IntegrationType `json:"integrationType,omitempty"`
}

func (r *Repository) ResourceKind() Kind { return KindRepository }
func (r *Repository) GetID() string      { return r.ID }
func (r *Repository) SetID(id string)    { r.ID = id }
func (r *Repository) GetEtag() string    { return r.Etag }
func (r *Repository) SetEtag(e string)   { r.Etag = e }

// RepositoryCopy asserts that a copy of the content resides in a
// specific repository
type RepositoryCopy struct {
	ID            string     `json:"id"`
	Etag          string     `json:"etag,omitempty"`
	RepositoryID  string     `json:"repositoryId"`
	PublicationID string     `json:"publicationId,omitempty"`
	ExternalIDs   []string   `json:"externalIds,omitempty"`
	AccessURL     string     `json:"accessUrl,omitempty"`
	CopyStatus    CopyStatus `json:"copyStatus,omitempty"`
}

func (c *RepositoryCopy) ResourceKind() Kind { return KindRepositoryCopy }
func (c *RepositoryCopy) GetID() string      { return c.ID }
func (c *RepositoryCopy) SetID(id string)    { c.ID = id }
func (c *RepositoryCopy) GetEtag() string    { return c.Etag }
func (c *RepositoryCopy) SetEtag(e string)   { c.Etag = e }

// DepositFile is a materialized file reference inside a DepositSubmission
type DepositFile struct {
	Name     string
	Location string
	Role     string
}

// DepositSubmission is the package-ready, in-memory projection of a
// submission: materialized file references plus the metadata an
// assembler needs. It is never written back to the store.
type DepositSubmission struct {
	ID       string
	Files    []DepositFile
	Metadata Metadata
	Manifest []string
}

// ComputeAggregate derives a submission's aggregated status from its
// child deposit statuses:
//
//   - any FAILED child fails the submission
//   - all children ACCEPTED accepts it
//   - all children terminal with at least one REJECTED rejects it
//   - anything else is still in progress
func ComputeAggregate(statuses []DepositStatus) SubmissionStatus {
	if len(statuses) == 0 {
		return SubmissionInProgress
	}

	allAccepted := true
	allTerminal := true
	anyRejected := false

	for _, s := range statuses {
		if s == DepositFailed {
			return SubmissionFailed
		}
		if s != DepositAccepted {
			allAccepted = false
		}
		if !s.Terminal() {
			allTerminal = false
		}
		if s == DepositRejected {
			anyRejected = true
		}
	}

	if allAccepted {
		return SubmissionAccepted
	}
	if allTerminal && anyRejected {
		return SubmissionRejected
	}
	return SubmissionInProgress
}
