package entity

import "time"

type RequestType string

const (
	RequestTesting RequestType = "testing"
	RequestStable  RequestType = "stable"
)

// DestinationStatus is the status an update reaches once a push for this
// request completes.
func (r RequestType) DestinationStatus() UpdateStatus {
	if r == RequestStable {
		return UpdateStatusStable
	}
	return UpdateStatusTesting
}

func (r RequestType) Valid() bool {
	return r == RequestTesting || r == RequestStable
}

type ContentType string

const (
	ContentRPM       ContentType = "rpm"
	ContentModule    ContentType = "module"
	ContentContainer ContentType = "container"
	ContentFlatpak   ContentType = "flatpak"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentRPM, ContentModule, ContentContainer, ContentFlatpak:
		return true
	}
	return false
}

type UpdateStatus string

const (
	UpdateStatusPending  UpdateStatus = "pending"
	UpdateStatusTesting  UpdateStatus = "testing"
	UpdateStatusStable   UpdateStatus = "stable"
	UpdateStatusObsolete UpdateStatus = "obsolete"
	UpdateStatusUnpushed UpdateStatus = "unpushed"
)

type UpdateType string

const (
	UpdateTypeBugfix      UpdateType = "bugfix"
	UpdateTypeSecurity    UpdateType = "security"
	UpdateTypeEnhancement UpdateType = "enhancement"
	UpdateTypeNewPackage  UpdateType = "newpackage"
)

type Build struct {
	NVR    string   `json:"nvr"`
	Signed bool     `json:"signed"`
	Tags   []string `json:"tags,omitempty"`
}

type Reference struct {
	Type  string `json:"type"` // bugzilla, cve, self
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type Comment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Update is the part of an update request the composer reads and mutates.
type Update struct {
	Alias         string       `json:"alias"`
	Title         string       `json:"title"`
	Release       string       `json:"release"`
	ContentType   ContentType  `json:"content_type"`
	Type          UpdateType   `json:"type"`
	Severity      string       `json:"severity"`
	Status        UpdateStatus `json:"status"`
	Request       RequestType  `json:"request,omitempty"`
	Notes         string       `json:"notes"`
	Locked        bool         `json:"locked"`
	ComposeID     string       `json:"compose_id,omitempty"`
	Builds        []Build      `json:"builds"`
	References    []Reference  `json:"references,omitempty"`
	DateSubmitted time.Time    `json:"date_submitted"`
	DatePushed    *time.Time   `json:"date_pushed,omitempty"`
}

func (u Update) IsSecurity() bool {
	return u.Type == UpdateTypeSecurity
}

type Override struct {
	NVR            string     `json:"nvr"`
	Release        string     `json:"release"`
	Submitter      string     `json:"submitter"`
	Notes          string     `json:"notes"`
	ExpirationDate time.Time  `json:"expiration_date"`
	ExpiredDate    *time.Time `json:"expired_date,omitempty"`
}
