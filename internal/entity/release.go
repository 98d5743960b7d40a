package entity

type ReleaseState string

const (
	ReleaseDisabled ReleaseState = "disabled"
	ReleasePending  ReleaseState = "pending"
	ReleaseFrozen   ReleaseState = "frozen"
	ReleaseCurrent  ReleaseState = "current"
	ReleaseArchived ReleaseState = "archived"
)

// Release holds the Koji tag names a release moves builds through.
type Release struct {
	Name              string       `json:"name"`      // F40
	LongName          string       `json:"long_name"` // Fedora 40
	Version           string       `json:"version"`
	IDPrefix          string       `json:"id_prefix"` // FEDORA
	State             ReleaseState `json:"state"`
	CandidateTag      string       `json:"candidate_tag"`
	TestingTag        string       `json:"testing_tag"`
	StableTag         string       `json:"stable_tag"`
	PendingSigningTag string       `json:"pending_signing_tag"`
	PendingTestingTag string       `json:"pending_testing_tag"`
	PendingStableTag  string       `json:"pending_stable_tag"`
	OverrideTag       string       `json:"override_tag"`
}

// AllTags lists every non-empty tag of the release.
func (r Release) AllTags() []string {
	var tags []string
	for _, t := range []string{
		r.CandidateTag, r.TestingTag, r.StableTag,
		r.PendingSigningTag, r.PendingTestingTag, r.PendingStableTag, r.OverrideTag,
	} {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
