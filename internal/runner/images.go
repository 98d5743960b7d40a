package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/pkg/systemutil"
)

// ImageTags are the destination tags a container or flatpak build is
// published under.
func ImageTags(nvr entity.NVR, request entity.RequestType) []string {
	floating := "testing"
	if request == entity.RequestStable {
		floating = "latest"
	}
	return []string{nvr.Version + "-" + nvr.Release, nvr.Version, floating}
}

// PublishImages copies every build from the candidate registry to the
// destination registry with skopeo.
func (r *Runner) PublishImages(ctx context.Context, req Request, builds []entity.Build) error {
	if r.SourceRegistry == "" || r.DestinationRegistry == "" {
		return errors.New("container registries are not configured")
	}

	for _, b := range builds {
		nvr, err := entity.ParseNVR(b.NVR)
		if err != nil {
			return err
		}
		source := fmt.Sprintf("docker://%s/%s:%s-%s", r.SourceRegistry, nvr.Name, nvr.Version, nvr.Release)
		for _, tag := range ImageTags(nvr, req.Key.Request) {
			dest := fmt.Sprintf("docker://%s/%s:%s", r.DestinationRegistry, nvr.Name, tag)
			args := append([]string{"copy"}, r.SkopeoExtraArgs...)
			args = append(args, source, dest)

			cmd := systemutil.Cmd{
				Name:    r.Skopeo,
				Args:    args,
				Desc:    "publish " + b.NVR,
				LogPath: r.LogPath(req.ID),
			}
			if _, err := cmd.Run(ctx); err != nil {
				return fmt.Errorf("failed to publish %s as %s: %w", b.NVR, tag, err)
			}
			r.logger().WithFields(logrus.Fields{"nvr": b.NVR, "dest": dest}).Info("image published")
		}
	}
	return nil
}
