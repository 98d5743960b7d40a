// Package runner drives the external compose tool and handles what it leaves
// on disk: validating, staging and waiting for the result to reach mirrors.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/config"
	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/pkg/httputil"
	"github.com/blankon/irgsh-composer/pkg/systemutil"
)

var (
	ErrComposeFailed = errors.New("compose tool failed")
	ErrNoComposeDir  = errors.New("compose tool did not report a compose dir")
	ErrSanityCheck   = errors.New("compose output failed sanity check")
)

const composeDirPrefix = "Compose dir:"

// Request is one invocation of the compose tool.
type Request struct {
	ID       string
	Key      entity.ComposeKey
	Security bool
}

// OutputLayout describes what a content type expects the compose tool to
// produce for every configured architecture.
type OutputLayout struct {
	Repodata   bool // <arch>/os/repodata/repomd.xml and a non-empty Packages dir
	Modules    bool // modules metadata next to repomd.xml
	SourceTree bool // source/tree/repodata/repomd.xml
}

type Runner struct {
	Tool        string
	ConfigDir   string
	StagingRoot string
	PublishRoot string
	Workdir     string
	Timeout     time.Duration
	Arches      []string
	Variant     string
	ModifyRepo  string

	Skopeo              string
	SkopeoExtraArgs     []string
	SourceRegistry      string
	DestinationRegistry string

	SyncURL          *template.Template
	SyncTimeout      time.Duration
	SyncPollInterval time.Duration
	HTTP             *rh.Client

	log *logrus.Entry
}

// New builds a Runner from the compose and container sections of the config.
func New(cfg config.Config) (*Runner, error) {
	r := &Runner{
		Tool:                cfg.Compose.Tool,
		ConfigDir:           cfg.Compose.ConfigDir,
		StagingRoot:         cfg.Compose.StagingRoot,
		PublishRoot:         cfg.Compose.PublishRoot,
		Workdir:             cfg.Compose.Workdir,
		Timeout:             cfg.Compose.TimeoutDuration(),
		Arches:              cfg.Compose.Arches,
		Variant:             cfg.Compose.Variant,
		ModifyRepo:          cfg.Compose.ModifyRepo,
		Skopeo:              cfg.Container.Skopeo,
		SkopeoExtraArgs:     cfg.Container.SkopeoExtraArgs,
		SourceRegistry:      cfg.Container.SourceRegistry,
		DestinationRegistry: cfg.Container.DestinationRegistry,
		SyncTimeout:         cfg.Compose.SyncTimeoutDuration(),
		SyncPollInterval:    cfg.Compose.SyncPollDuration(),
		HTTP:                httputil.NewRetryClient(3),
		log:                 logrus.WithField("component", "runner"),
	}
	if cfg.Compose.SyncURLTemplate != "" {
		tmpl, err := template.New("sync").Option("missingkey=error").Parse(cfg.Compose.SyncURLTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid sync_url_template: %w", err)
		}
		r.SyncURL = tmpl
	}
	return r, nil
}

func (r *Runner) logger() *logrus.Entry {
	if r.log == nil {
		r.log = logrus.WithField("component", "runner")
	}
	return r.log
}

// ComposeWorkdir is where the log and updateinfo of a compose are kept.
func (r *Runner) ComposeWorkdir(id string) string {
	return filepath.Join(r.Workdir, id)
}

func (r *Runner) LogPath(id string) string {
	return filepath.Join(r.ComposeWorkdir(id), "compose.log")
}

// Args returns the compose tool command line for req.
func (r *Runner) Args(req Request) []string {
	k := req.Key
	args := []string{
		"--config", filepath.Join(r.ConfigDir, fmt.Sprintf("%s.%s.conf", k.ContentType, k.Request)),
		"--target-dir", r.StagingRoot,
		"--no-latest-link",
		"--label", fmt.Sprintf("%s-%s", k.Release, k.Request),
		"--release", k.Release,
		"--request", string(k.Request),
		"--content-type", string(k.ContentType),
	}
	if req.Security {
		args = append(args, "--security")
	}
	return args
}

// Compose runs the compose tool and returns the compose directory it reports.
func (r *Runner) Compose(ctx context.Context, req Request) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var composeDir string
	cmd := systemutil.Cmd{
		Name:    r.Tool,
		Args:    r.Args(req),
		Dir:     r.Workdir,
		Desc:    "compose " + req.Key.String(),
		LogPath: r.LogPath(req.ID),
		OnLine: func(line string) {
			if idx := strings.Index(line, composeDirPrefix); idx >= 0 {
				composeDir = strings.TrimSpace(line[idx+len(composeDirPrefix):])
			}
		},
	}

	r.logger().WithFields(logrus.Fields{"compose": req.ID, "args": strings.Join(cmd.Args, " ")}).Info("running compose tool")
	header := fmt.Sprintf("=== %s started %s: %s %s", cmd.Desc, time.Now().UTC().Format(time.RFC3339), cmd.Name, strings.Join(cmd.Args, " "))
	if err := systemutil.WriteLog(cmd.LogPath, header); err != nil {
		return "", fmt.Errorf("failed to open compose log: %w", err)
	}
	if _, err := cmd.Run(ctx); err != nil {
		if code := systemutil.ExitCode(err); code >= 0 {
			return "", fmt.Errorf("%w with exit code %d: %w", ErrComposeFailed, code, err)
		}
		return "", fmt.Errorf("%w: %w", ErrComposeFailed, err)
	}

	if composeDir == "" {
		return "", fmt.Errorf("%w (see %s)", ErrNoComposeDir, cmd.LogPath)
	}
	if !filepath.IsAbs(composeDir) {
		composeDir = filepath.Join(r.Workdir, composeDir)
	}
	if info, err := os.Stat(composeDir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s does not exist", ErrNoComposeDir, composeDir)
	}
	return composeDir, nil
}

func (r *Runner) variantDir(dir string) string {
	return filepath.Join(dir, "compose", r.Variant)
}

func (r *Runner) repodataDirs(dir string, layout OutputLayout) []string {
	var dirs []string
	if layout.Repodata {
		for _, arch := range r.Arches {
			dirs = append(dirs, filepath.Join(r.variantDir(dir), arch, "os", "repodata"))
		}
	}
	if layout.SourceTree {
		dirs = append(dirs, filepath.Join(r.variantDir(dir), "source", "tree", "repodata"))
	}
	return dirs
}

// SanityCheck verifies the compose directory has the shape layout promises.
func (r *Runner) SanityCheck(dir string, layout OutputLayout) error {
	var problems []string

	if layout.Repodata {
		for _, arch := range r.Arches {
			osDir := filepath.Join(r.variantDir(dir), arch, "os")
			repodata := filepath.Join(osDir, "repodata")
			if _, err := os.Stat(filepath.Join(repodata, "repomd.xml")); err != nil {
				problems = append(problems, fmt.Sprintf("%s: missing repomd.xml", arch))
				continue
			}
			entries, err := os.ReadDir(filepath.Join(osDir, "Packages"))
			if err != nil || len(entries) == 0 {
				problems = append(problems, fmt.Sprintf("%s: no packages", arch))
			}
			if layout.Modules {
				matches, _ := filepath.Glob(filepath.Join(repodata, "*modules.yaml*"))
				if len(matches) == 0 {
					problems = append(problems, fmt.Sprintf("%s: missing modules metadata", arch))
				}
			}
		}
	}
	if layout.SourceTree {
		if _, err := os.Stat(filepath.Join(r.variantDir(dir), "source", "tree", "repodata", "repomd.xml")); err != nil {
			problems = append(problems, "missing source tree")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrSanityCheck, dir, strings.Join(problems, "; "))
	}
	return nil
}

// InsertUpdateinfo adds the updateinfo file at path to every repository of
// the compose.
func (r *Runner) InsertUpdateinfo(ctx context.Context, id, dir string, layout OutputLayout, path string) error {
	for _, repodata := range r.repodataDirs(dir, layout) {
		if r.ModifyRepo != "" {
			cmd := systemutil.Cmd{
				Name:    r.ModifyRepo,
				Args:    []string{"--mdtype=updateinfo", path, repodata},
				Desc:    "insert updateinfo into " + repodata,
				LogPath: r.LogPath(id),
			}
			if _, err := cmd.Run(ctx); err != nil {
				return fmt.Errorf("failed to insert updateinfo: %w", err)
			}
			continue
		}
		if err := copyFile(path, filepath.Join(repodata, filepath.Base(path))); err != nil {
			return fmt.Errorf("failed to copy updateinfo: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// Stage points <publish root>/<key> at the compose directory. The link is
// swapped atomically so mirrors never see a missing path.
func (r *Runner) Stage(key entity.ComposeKey, dir string) (string, error) {
	link := filepath.Join(r.PublishRoot, key.String())
	tmp := link + ".staging"
	_ = os.Remove(tmp)
	if err := os.Symlink(dir, tmp); err != nil {
		return "", fmt.Errorf("failed to stage compose: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to stage compose: %w", err)
	}
	r.logger().WithFields(logrus.Fields{"link": link, "target": dir}).Info("compose staged")
	return link, nil
}

type syncTarget struct {
	Release     string
	Request     string
	ContentType string
	Arch        string
	Key         string
}

func (r *Runner) syncURL(key entity.ComposeKey, arch string) (string, error) {
	var buf bytes.Buffer
	err := r.SyncURL.Execute(&buf, syncTarget{
		Release:     key.Release,
		Request:     string(key.Request),
		ContentType: string(key.ContentType),
		Arch:        arch,
		Key:         key.String(),
	})
	return buf.String(), err
}
