// Command batcher is the desktop CLI: scan the site for assets missing alt
// text, run a generate batch against the AI service, review the export, and
// apply the approved proposals back to the site.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"media-alt-batcher/internal/batch"
	"media-alt-batcher/internal/cache"
	"media-alt-batcher/internal/cms"
	"media-alt-batcher/internal/config"
	"media-alt-batcher/internal/export"
	"media-alt-batcher/internal/history"
	"media-alt-batcher/internal/models"
	"media-alt-batcher/internal/progress"
	"media-alt-batcher/internal/ratelimit"
	"media-alt-batcher/internal/suggest"
	"media-alt-batcher/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	envFlag := &cli.StringFlag{Name: "env", Usage: "path to .env file", Value: ".env"}

	app := &cli.Command{
		Name:  "batcher",
		Usage: "batch alt-text and folder assignments for CMS media assets",
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "list media assets missing alt text",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "folder", Usage: "restrict to one folder id"},
				},
				Action: scanAction,
			},
			{
				Name:  "generate",
				Usage: "propose alt text for assets missing it and write a review file",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "folder", Usage: "restrict to one folder id"},
					&cli.StringFlag{Name: "out", Usage: "review file path (.json or .csv)", Value: "review.json"},
					&cli.IntFlag{Name: "concurrency", Usage: "max in-flight items", Value: 0},
				},
				Action: generateAction,
			},
			{
				Name:  "apply",
				Usage: "apply a reviewed proposal file back to the site",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "in", Usage: "reviewed JSON export", Required: true},
				},
				Action: applyAction,
			},
			{
				Name:   "history",
				Usage:  "list past runs",
				Flags:  []cli.Flag{envFlag},
				Action: historyAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) config.Config {
	_ = godotenv.Load(cmd.String("env"))
	return config.Load()
}

func scanAction(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	site := cms.New(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSTimeout)

	assets, err := site.ListAssets(ctx, cms.ListParams{
		MissingAltOnly: true,
		FolderID:       cmd.String("folder"),
	})
	if err != nil {
		return err
	}

	for _, a := range assets {
		fmt.Printf("%s\t%s\n", a.ID, a.Filename)
	}
	fmt.Printf("%d assets missing alt text\n", len(assets))
	return nil
}

func generateAction(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	if c := cmd.Int("concurrency"); c > 0 {
		cfg.Concurrency = int(c)
	}

	site := cms.New(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSTimeout)
	assets, err := site.ListAssets(ctx, cms.ListParams{
		MissingAltOnly: true,
		FolderID:       cmd.String("folder"),
	})
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	thumbs, err := cache.New(ctx, cfg)
	if err != nil {
		return err
	}
	folders, err := site.ListFolders(ctx)
	if err != nil {
		return err
	}
	names := make([]string, len(folders))
	for i, f := range folders {
		names[i] = f.Name
	}
	suggester, err := suggest.NewOpenAIClient(
		suggest.WithModel(cfg.OpenAIModel),
		suggest.WithTimeout(cfg.SuggestTimeout),
		suggest.WithRateLimit(ratelimit.NewTokenBucket(cfg.SuggestRateCap, cfg.SuggestRateFill)),
		suggest.WithFolders(names),
	)
	if err != nil {
		return err
	}

	items := make([]*models.Item, len(assets))
	for i, a := range assets {
		items[i] = &models.Item{
			ID: a.ID,
			Payload: map[string]any{
				"filename":   a.Filename,
				"url":        a.URL,
				"currentAlt": a.AltText,
				"folderId":   a.FolderID,
				"mimeType":   a.MimeType,
			},
		}
	}

	job, err := runJob(ctx, cfg, worker.TypeGenerate, items, worker.NewGenerateHandler(thumbs, suggester))
	if err != nil {
		return err
	}

	out := cmd.String("out")
	if err := writeReviewFile(out, export.FromJob(job)); err != nil {
		return err
	}
	fmt.Printf("job %s: %d proposed, %d failed, review file %s\n", job.ID, job.Completed, job.Failed, out)
	return nil
}

func applyAction(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)

	data, err := os.ReadFile(cmd.String("in"))
	if err != nil {
		return err
	}
	records, err := export.ParseJSON(data)
	if err != nil {
		return err
	}

	items := make([]*models.Item, 0, len(records))
	for _, rec := range records {
		if rec.NewAlt == "" {
			continue
		}
		items = append(items, &models.Item{
			ID: rec.ID,
			Payload: map[string]any{
				"filename":    rec.Filename,
				"currentAlt":  rec.OldAlt,
				"proposedAlt": rec.NewAlt,
			},
		})
	}
	if len(items) == 0 {
		fmt.Println("no approved proposals in input")
		return nil
	}

	site := cms.New(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSTimeout)
	job, err := runJob(ctx, cfg, worker.TypeApply, items, worker.NewApplyHandler(site))
	if err != nil {
		return err
	}
	fmt.Printf("job %s: %d applied, %d failed\n", job.ID, job.Completed, job.Failed)
	return nil
}

// runJob executes one batch to completion, echoing progress to stderr and
// recording the outcome in the local history.
func runJob(ctx context.Context, cfg config.Config, jobType string, items []*models.Item, handler batch.Handler) (*models.Job, error) {
	broker := progress.NewBroker()
	queue := batch.New(batch.Config{
		Concurrency: cfg.Concurrency,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, broker)
	defer queue.Close()

	jobID := uuid.NewString()
	if _, err := queue.CreateJob(jobID, jobType, items, handler); err != nil {
		return nil, err
	}

	// Cancel cooperatively on ^C rather than killing the process mid-write.
	go func() {
		<-ctx.Done()
		_ = queue.Cancel(jobID)
	}()

	snaps, cancelSub := broker.Subscribe(jobID)
	defer cancelSub()
	go func() {
		for snap := range snaps {
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d done, %d failed", snap.Status, snap.Completed, snap.Total, snap.Failed)
		}
	}()

	job, err := queue.Start(context.Background(), jobID)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}

	if hist, histErr := history.Open(cfg.HistoryDBPath); histErr == nil {
		if err := hist.RecordJob(context.Background(), job); err != nil {
			slog.Warn("record history", slog.String("error", err.Error()))
		}
		hist.Close()
	}
	return job, nil
}

func writeReviewFile(path string, records []export.Record) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		data, err = export.CSV(records)
	default:
		data, err = export.JSON(records)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func historyAction(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	runs, err := hist.ListRuns(ctx, 20)
	if err != nil {
		return err
	}
	for _, r := range runs {
		finished := ""
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s\t%s\t%s\t%d/%d done\t%d failed\t%s\n",
			r.JobID, r.JobType, r.Status, r.Completed, r.Total, r.Failed, finished)
	}
	return nil
}
