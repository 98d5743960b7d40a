package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/blankon/irgsh-composer/internal/compose"
	"github.com/blankon/irgsh-composer/internal/config"
	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/monitoring"
	"github.com/blankon/irgsh-composer/internal/runner"
	"github.com/blankon/irgsh-composer/internal/storage"
	"github.com/blankon/irgsh-composer/internal/trigger"
	"github.com/blankon/irgsh-composer/pkg/systemutil"
)

var (
	app     *cli.App
	version string

	composerConfig config.Config
)

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func main() {
	setupLogging()

	monitoring.Version = version

	app = cli.NewApp()
	app.Name = "irgsh-composer"
	app.Usage = "BlankOn update composer"
	app.Author = "BlankOn Developer"
	app.Email = "blankon-dev@googlegroups.com"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Config file, overrides IRGSH_COMPOSER_CONFIG and the default paths",
		},
	}
	app.Before = func(c *cli.Context) (err error) {
		if path := c.String("config"); path != "" {
			composerConfig, err = config.LoadConfigFromPath(path)
		} else {
			composerConfig, err = config.LoadConfig()
		}
		return err
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the composer worker and HTTP API",
			Action: serve,
		},
		{
			Name:  "push",
			Usage: "Push the updates of one or more releases",
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "release, r",
					Usage: "Release to push, can be repeated",
				},
				cli.StringFlag{
					Name:  "request",
					Value: string(entity.RequestTesting),
					Usage: "testing or stable",
				},
				cli.BoolFlag{
					Name:  "resume",
					Usage: "Resume failed or interrupted composes instead of creating new ones",
				},
				cli.StringFlag{
					Name:  "agent",
					Usage: "Name recorded on comments and messages",
				},
				cli.BoolFlag{
					Name:  "yes, y",
					Usage: "Do not ask for confirmation",
				},
				cli.BoolFlag{
					Name:  "local",
					Usage: "Run the push in this process instead of queueing it",
				},
			},
			Action: pushAction,
		},
		{
			Name:  "list",
			Usage: "List recent composes",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit, n",
					Value: 20,
				},
			},
			Action: listAction,
		},
		{
			Name:      "logs",
			Usage:     "Follow the compose tool output of a compose",
			ArgsUsage: "<compose-id>",
			Action: func(c *cli.Context) error {
				id := c.Args().First()
				if id == "" {
					return errors.New("compose id is required")
				}
				r, err := runner.New(composerConfig)
				if err != nil {
					return err
				}
				return systemutil.StreamLog(r.LogPath(id))
			},
		},
		{
			Name:      "delete",
			Usage:     "Delete a finished compose from the history",
			ArgsUsage: "<compose-id>",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "force",
					Usage: "Delete the compose even if it has not finished, releasing its updates",
				},
			},
			Action: func(c *cli.Context) error {
				id := c.Args().First()
				if id == "" {
					return errors.New("compose id is required")
				}
				store, db, err := openStore()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := store.DeleteCompose(context.Background(), id, c.Bool("force")); err != nil {
					return err
				}
				fmt.Println("Deleted " + id)
				return nil
			},
		},
		{
			Name:      "status",
			Usage:     "Show the state of a queued push",
			ArgsUsage: "<task-uuid>",
			Action: func(c *cli.Context) error {
				taskUUID := c.Args().First()
				if taskUUID == "" {
					return errors.New("task uuid is required")
				}
				server, err := trigger.NewServer(composerConfig.Redis)
				if err != nil {
					return err
				}
				fmt.Println(trigger.Status(server, taskUUID))
				return nil
			},
		},
		{
			Name:   "instances",
			Usage:  "List registered composer instances",
			Action: instancesAction,
		},
	}
	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func openStore() (*storage.Store, *storage.DB, error) {
	db, err := storage.NewDB(composerConfig.Database)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewStore(db, composerConfig.Compose.MaxComposes), db, nil
}

func pushRequestFromFlags(c *cli.Context) (compose.PushRequest, error) {
	req := compose.PushRequest{
		Resume: c.Bool("resume"),
		Agent:  c.String("agent"),
	}
	request := entity.RequestType(c.String("request"))
	if !request.Valid() {
		return req, fmt.Errorf("invalid request %q, expected testing or stable", request)
	}
	for _, release := range c.StringSlice("release") {
		req.Requests = append(req.Requests, compose.ReleaseRequest{Release: release, Request: request})
	}
	if len(req.Requests) == 0 && !req.Resume {
		return req, errors.New("at least one --release is required")
	}
	return req, nil
}

// previewPush prints what a push would pick up and returns the number of
// updates found.
func previewPush(ctx context.Context, store *storage.Store, req compose.PushRequest) (int, error) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	total := 0
	for _, r := range req.Requests {
		updates, err := store.PendingUpdates(ctx, r.Release, r.Request)
		if err != nil {
			return 0, err
		}
		byType := map[entity.ContentType][]string{}
		for _, u := range updates {
			byType[u.ContentType] = append(byType[u.ContentType], u.Alias)
		}
		types := make([]string, 0, len(byType))
		for ct := range byType {
			types = append(types, string(ct))
		}
		sort.Strings(types)
		for _, ct := range types {
			aliases := byType[entity.ContentType(ct)]
			fmt.Fprintf(w, "%s-%s-%s\t%d updates\t%s\n", r.Release, r.Request, ct, len(aliases), strings.Join(aliases, " "))
		}
		total += len(updates)
	}
	return total, nil
}

func pushAction(c *cli.Context) error {
	req, err := pushRequestFromFlags(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if req.Resume {
		fmt.Println("Resuming unfinished composes")
	} else {
		n, err := previewPush(ctx, store, req)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("There are no updates to push.")
			return nil
		}
	}

	if !c.Bool("yes") {
		prompt := promptui.Prompt{
			Label:     "Push these updates",
			IsConfirm: true,
		}
		result, err := prompt.Run()
		if err != nil || strings.ToLower(result) != "y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if !c.Bool("local") {
		server, err := trigger.NewServer(composerConfig.Redis)
		if err != nil {
			return err
		}
		taskUUID, err := trigger.Send(server, req)
		if err != nil {
			return err
		}
		fmt.Println("Push queued, task " + taskUUID)
		fmt.Println("Check it with: irgsh-composer status " + taskUUID)
		return nil
	}

	if err := config.CheckEnvironment(composerConfig); err != nil {
		return err
	}
	orchestrator, cleanup, err := newOrchestrator(ctx, store)
	if err != nil {
		return err
	}
	defer cleanup()

	jobs, err := orchestrator.Push(ctx, req)
	printJobs(jobs)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State != entity.StateSuccess {
			return fmt.Errorf("compose %s failed", job.ID)
		}
	}
	return nil
}

func printJobs(jobs []entity.ComposeJob) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tCOMPOSE\tSTATE\tUPDATES\tUPDATED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.Key(), job.State, job.UpdateCount,
			job.UpdatedAt.Local().Format(time.DateTime), job.Error)
	}
}

func listAction(c *cli.Context) error {
	store, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := store.ListComposes(context.Background(), c.Int("limit"))
	if err != nil {
		return err
	}
	printJobs(jobs)
	return nil
}

func instancesAction(c *cli.Context) error {
	ctx := context.Background()
	ttl := time.Duration(composerConfig.Monitoring.InstanceTimeout) * time.Second
	registry, err := monitoring.NewRegistry(ctx, composerConfig.Redis, ttl)
	if err != nil {
		return err
	}
	defer registry.Close()

	instances, err := registry.ListInstances(ctx, monitoring.InstanceTypeComposer, "")
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "INSTANCE\tSTATUS\tCOMPOSES\tCPU\tMEMORY\tDISK\tVERSION")
	for _, i := range instances {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.0f%%\t%s/%s\t%s/%s\t%s\n",
			i.InstanceID, i.Status, i.ActiveComposes, i.MaxParallel, i.CPUUsage,
			monitoring.FormatBytes(i.MemoryUsage), monitoring.FormatBytes(i.MemoryTotal),
			monitoring.FormatBytes(i.DiskUsage), monitoring.FormatBytes(i.DiskTotal),
			i.Version)
	}
	summary, err := registry.GetSummary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d online, %d offline, %d composes running\n", summary.Online, summary.Offline, summary.ActiveComposes)
	return nil
}
