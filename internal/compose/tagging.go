package compose

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/entity"
)

// tagActions moves every build of the job into its destination tag. Builds
// are handled in name then version order so the build system's notion of
// the latest build of a package is right once the step completes.
//
// Every action checks the current tags first, which makes the step safe to
// repeat after a partial run: a build already in its destination is only
// stripped of the tags it should no longer carry.
func (w *Worker) tagActions(ctx context.Context) error {
	// a pending release is not current yet, its stable tag is added to
	// rather than moved into
	addOnly := w.job.Request == entity.RequestStable && w.release.State == entity.ReleasePending
	untag := w.content.UntagTags(w.release, w.job.Request)

	nvrs := make([]string, 0, len(w.builds))
	for _, b := range w.builds {
		tags, err := w.cache.Tags(ctx, b.NVR)
		if err != nil {
			return fmt.Errorf("failed to list tags of %s: %w", b.NVR, err)
		}
		from, to := w.content.ResolveTags(w.release, w.job.Request, tags)
		if to == "" {
			return fmt.Errorf("release %s has no %s tag", w.release.Name, w.job.Request)
		}
		log := w.log.WithFields(logrus.Fields{"nvr": b.NVR, "from": from, "to": to})

		removed := map[string]bool{}
		switch {
		case hasTag(tags, to):
			log.Info("build already in destination")
		case addOnly:
			log.Info("adding destination tag")
			if err := w.deps.Tags.AddTag(ctx, to, b.NVR); err != nil {
				return fmt.Errorf("failed to tag %s into %s: %w", b.NVR, to, err)
			}
			tagOperations.WithLabelValues("add").Inc()
		case from == "":
			return fmt.Errorf("%s is in none of the tags it can be pushed from (has %v)", b.NVR, tags)
		default:
			log.Info("moving build")
			if err := w.deps.Tags.MoveBuild(ctx, from, to, b.NVR); err != nil {
				return fmt.Errorf("failed to move %s from %s to %s: %w", b.NVR, from, to, err)
			}
			tagOperations.WithLabelValues("move").Inc()
			removed[from] = true
		}

		for _, tag := range untag {
			if tag == to || removed[tag] || !hasTag(tags, tag) {
				continue
			}
			if err := w.untagBuild(ctx, tag, b.NVR); err != nil {
				return err
			}
		}

		w.cache.Forget(b.NVR)
		nvrs = append(nvrs, b.NVR)
	}

	if w.job.Request == entity.RequestStable && w.content.ExpiresOverrides() {
		n, err := w.deps.Store.ExpireOverrides(ctx, nvrs)
		if err != nil {
			return fmt.Errorf("failed to expire buildroot overrides: %w", err)
		}
		if n > 0 {
			w.log.WithField("count", n).Info("expired buildroot overrides")
		}
	}
	return nil
}

func (w *Worker) untagBuild(ctx context.Context, tag, nvr string) error {
	if err := w.deps.Tags.UntagBuild(ctx, tag, nvr); err != nil {
		return fmt.Errorf("failed to untag %s from %s: %w", nvr, tag, err)
	}
	tagOperations.WithLabelValues("untag").Inc()
	w.log.WithFields(logrus.Fields{"nvr": nvr, "tag": tag}).Info("untagged build")
	return nil
}
