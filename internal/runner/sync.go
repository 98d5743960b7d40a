package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/pkg/systemutil"
)

// WaitForSync blocks until the repomd.xml served by the mirror for every
// arch matches the one in the compose directory. Without a sync URL
// template there is nothing to wait for.
func (r *Runner) WaitForSync(ctx context.Context, key entity.ComposeKey, dir string) error {
	log := r.logger().WithField("compose_key", key.String())
	if r.SyncURL == nil {
		log.Info("no sync url configured, not waiting for mirrors")
		return nil
	}

	for _, arch := range r.Arches {
		local, err := fileChecksum(filepath.Join(r.variantDir(dir), arch, "os", "repodata", "repomd.xml"))
		if err != nil {
			return fmt.Errorf("failed to read local repomd.xml: %w", err)
		}
		url, err := r.syncURL(key, arch)
		if err != nil {
			return fmt.Errorf("failed to render sync url: %w", err)
		}

		err = systemutil.Poll(ctx, r.SyncPollInterval, r.SyncTimeout, func(ctx context.Context) (bool, error) {
			remote, err := r.remoteChecksum(ctx, url)
			if err != nil {
				log.WithError(err).WithField("url", url).Warn("mirror not reachable yet")
				return false, nil
			}
			if remote != local {
				log.WithField("url", url).Debug("mirror repomd.xml still differs")
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", url, err)
		}
		log.WithFields(logrus.Fields{"arch": arch, "url": url}).Info("mirror in sync")
	}
	return nil
}

func (r *Runner) remoteChecksum(ctx context.Context, url string) (string, error) {
	client := r.HTTP
	if client == nil {
		client = rh.NewClient()
	}
	req, err := rh.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
