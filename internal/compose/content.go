package compose

import (
	"fmt"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/runner"
)

// Content is what differs between content types. A Worker gets one at
// construction and never looks at the content type itself.
type Content interface {
	Type() entity.ContentType
	// ResolveTags picks the tag a build leaves and the tag it ends up in,
	// given the tags it currently has. from is empty when no source tag is
	// present.
	ResolveTags(release entity.Release, request entity.RequestType, tags []string) (from, to string)
	// IsGeneratedRepo is false for content published as images rather than
	// through the compose tool.
	IsGeneratedRepo() bool
	ExpectedOutputLayout() runner.OutputLayout
	// UntagTags are removed from every build once it reached its destination.
	UntagTags(release entity.Release, request entity.RequestType) []string
	ExpiresOverrides() bool
}

// ContentFor returns the capabilities of a content type.
func ContentFor(t entity.ContentType) (Content, error) {
	switch t {
	case entity.ContentRPM:
		return rpmContent{}, nil
	case entity.ContentModule:
		return moduleContent{}, nil
	case entity.ContentContainer:
		return containerContent{}, nil
	case entity.ContentFlatpak:
		return flatpakContent{}, nil
	}
	return nil, fmt.Errorf("unknown content type %q", t)
}

func firstPresent(tags []string, candidates ...string) string {
	for _, c := range candidates {
		if c != "" && hasTag(tags, c) {
			return c
		}
	}
	return ""
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func nonEmpty(tags ...string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// standardTags is the tag flow shared by all content types.
func standardTags(r entity.Release, request entity.RequestType, tags []string) (string, string) {
	if request == entity.RequestStable {
		return firstPresent(tags, r.TestingTag, r.PendingStableTag, r.CandidateTag, r.PendingTestingTag), r.StableTag
	}
	return firstPresent(tags, r.PendingTestingTag, r.PendingSigningTag, r.CandidateTag), r.TestingTag
}

type rpmContent struct{}

func (rpmContent) Type() entity.ContentType { return entity.ContentRPM }

func (rpmContent) ResolveTags(r entity.Release, request entity.RequestType, tags []string) (string, string) {
	return standardTags(r, request, tags)
}

func (rpmContent) IsGeneratedRepo() bool { return true }

func (rpmContent) ExpectedOutputLayout() runner.OutputLayout {
	return runner.OutputLayout{Repodata: true, SourceTree: true}
}

func (rpmContent) UntagTags(r entity.Release, request entity.RequestType) []string {
	if request == entity.RequestStable {
		return nonEmpty(r.PendingStableTag, r.OverrideTag)
	}
	return nonEmpty(r.PendingSigningTag, r.PendingTestingTag)
}

func (rpmContent) ExpiresOverrides() bool { return true }

type moduleContent struct{}

func (moduleContent) Type() entity.ContentType { return entity.ContentModule }

func (moduleContent) ResolveTags(r entity.Release, request entity.RequestType, tags []string) (string, string) {
	return standardTags(r, request, tags)
}

func (moduleContent) IsGeneratedRepo() bool { return true }

func (moduleContent) ExpectedOutputLayout() runner.OutputLayout {
	return runner.OutputLayout{Repodata: true, Modules: true}
}

func (moduleContent) UntagTags(r entity.Release, request entity.RequestType) []string {
	if request == entity.RequestStable {
		return nonEmpty(r.PendingStableTag)
	}
	return nonEmpty(r.PendingSigningTag, r.PendingTestingTag)
}

func (moduleContent) ExpiresOverrides() bool { return false }

// imageContent is shared by containers and flatpaks: builds go straight
// from the candidate or testing tag, and images are copied between
// registries instead of being composed.
type imageContent struct{}

func (imageContent) ResolveTags(r entity.Release, request entity.RequestType, tags []string) (string, string) {
	if request == entity.RequestStable {
		return firstPresent(tags, r.TestingTag, r.CandidateTag), r.StableTag
	}
	return firstPresent(tags, r.PendingSigningTag, r.CandidateTag), r.TestingTag
}

func (imageContent) IsGeneratedRepo() bool { return false }

func (imageContent) ExpectedOutputLayout() runner.OutputLayout { return runner.OutputLayout{} }

func (imageContent) UntagTags(r entity.Release, request entity.RequestType) []string {
	if request == entity.RequestStable {
		return nil
	}
	return nonEmpty(r.PendingSigningTag)
}

func (imageContent) ExpiresOverrides() bool { return false }

type containerContent struct{ imageContent }

func (containerContent) Type() entity.ContentType { return entity.ContentContainer }

type flatpakContent struct{ imageContent }

func (flatpakContent) Type() entity.ContentType { return entity.ContentFlatpak }
