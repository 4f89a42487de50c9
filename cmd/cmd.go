package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/pkg/chat"
	"github.com/xhad/handbookqa/pkg/eval"
	"github.com/xhad/handbookqa/pkg/ingest"
	"github.com/xhad/handbookqa/pkg/rag"
	"github.com/xhad/handbookqa/pkg/scraper"
	"github.com/xhad/handbookqa/pkg/tui"
	"github.com/xhad/handbookqa/server"
)

func (a *app) ingest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	dir := fs.String("dir", a.config.Ingest.DataPath, "Directory containing handbook files")
	dump := fs.String("dump", "", "Write parsed chunks with embeddings to this JSON file")
	watch := fs.Bool("watch", false, "Keep running and re-ingest changed files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := a.newIndex(ctx)
	if err != nil {
		return err
	}
	defer index.Close()

	in := a.newIngestor(index, *dump)
	if err := a.runIngest(ctx, in, *dir); err != nil {
		return err
	}

	if *watch {
		color.Cyan("\nWatching %s for changes (ctrl+c to stop)", *dir)
		in.OnProgress(func(_, _ int, r ingest.FileResult) {
			if !r.Skipped {
				color.Green("✓ Re-indexed %s (%d chunks)", filepath.Base(r.Path), r.Chunks)
			}
		})
		return in.Watch(ctx, *dir)
	}
	return nil
}

func (a *app) runIngest(ctx context.Context, in *ingest.Ingestor, dir string) error {
	color.Blue("\nIngesting handbooks from %s", dir)

	var bar *progressbar.ProgressBar
	in.OnProgress(func(done, total int, r ingest.FileResult) {
		if bar == nil {
			bar = getProgressBar(total, "Indexing handbooks...")
		}
		bar.Set(done)
	})

	report, err := in.IngestDir(ctx, dir)
	if bar != nil {
		bar.Finish()
	}
	in.OnProgress(nil)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Println()
	for _, f := range report.Files {
		name := filepath.Base(f.Path)
		if f.Skipped {
			color.Yellow("  - %s skipped: %s", name, f.Reason)
			continue
		}
		color.Green("  ✓ %s: %d chunks", name, f.Chunks)
	}
	color.Green("\n✓ Indexed %d chunks from %d files in %s",
		report.Chunks, len(report.Files)-report.Skipped, report.Duration.Round(time.Millisecond))
	return nil
}

func (a *app) clear(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := a.newIndex(ctx)
	if err != nil {
		return err
	}
	defer index.Close()

	if err := index.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	color.Green("✓ Collection %s cleared", a.config.VectorStore.Collection)
	return nil
}

func (a *app) fetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	dir := fs.String("dir", a.config.Ingest.DataPath, "Directory to save handbooks to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bar := getProgressBar(len(a.config.Courses), "Downloading handbooks...")
	sc := a.config.Scraper
	fetcher := scraper.NewWithConfig(scraper.FetcherConfig{
		RateLimit:  sc.RateLimit,
		UserAgent:  sc.UserAgent,
		Timeout:    sc.Timeout(),
		Retry:      a.retryPolicy(),
		OnProgress: func(scraper.Result) { bar.Add(1) },
	}, a.logger)

	results, err := fetcher.Fetch(ctx, a.config.Courses, *dir)
	bar.Finish()
	if err != nil {
		return err
	}

	fmt.Println()
	var failed int
	for _, r := range results {
		switch {
		case r.Skipped:
			color.Yellow("  - %s: no source_url configured", r.Course)
		case r.Err != nil:
			failed++
			color.Red("  ✗ %s: %v", r.Course, r.Err)
		default:
			color.Green("  ✓ %s → %s (%d bytes)", r.Course, r.Path, r.Bytes)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d handbook downloads failed", failed)
	}
	return nil
}

func (a *app) courses(args []string) error {
	fs := flag.NewFlagSet("courses", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	for _, c := range a.config.Courses {
		path := filepath.Join(a.config.Ingest.DataPath, c.File)
		status := color.GreenString("present")
		if _, err := os.Stat(path); err != nil {
			status = color.YellowString("missing")
		}
		fmt.Printf("%-28s %-32s %s\n", color.CyanString(c.Name), c.File, status)
	}
	return nil
}

func (a *app) chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	course := fs.String("course", "", "Course to ask about")
	ingestFirst := fs.Bool("ingest", false, "Ingest the data directory before chatting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := a.newIndex(ctx)
	if err != nil {
		return err
	}
	defer index.Close()

	if *ingestFirst {
		if err := a.runIngest(ctx, a.newIngestor(index, ""), a.config.Ingest.DataPath); err != nil {
			return err
		}
	}

	pipeline, err := a.newPipeline(ctx, index)
	if err != nil {
		return err
	}

	catalog := a.config.Catalog()
	scanner := bufio.NewScanner(os.Stdin)
	session := chat.NewSession(pipeline, catalog, "")
	if *course == "" {
		*course, err = pickCourse(scanner, catalog.Names())
		if err != nil {
			return err
		}
	}
	if err := session.SetCourse(*course); err != nil {
		return err
	}

	color.Cyan("\nChat with the %s handbook (/course <name>, /clear, exit)", session.Course())

	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}
		query := strings.TrimSpace(scanner.Text())

		switch {
		case query == "":
			continue
		case strings.EqualFold(query, "exit"):
			return nil
		case query == "/clear":
			session.Clear()
			color.Yellow("History cleared.")
			continue
		case strings.HasPrefix(query, "/course"):
			name := strings.TrimSpace(strings.TrimPrefix(query, "/course"))
			if err := session.SetCourse(name); err != nil {
				color.Red("%v (choose from: %s)", err, strings.Join(catalog.Names(), ", "))
				continue
			}
			color.Yellow("Switched to %s.", name)
			continue
		}

		var answer *rag.Answer
		err := withSpinner("Searching the handbook...", func() error {
			var err error
			answer, err = session.Ask(ctx, query)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			a.logger.Error("failed to answer", zap.Error(err))
			color.Red("Assistant: %s", chat.ErrorMessage)
			continue
		}

		assistantPrompt("Assistant: ")
		fmt.Println(answer.Text)
		if len(answer.Sources) > 0 {
			refs := make([]string, len(answer.Sources))
			for i, s := range answer.Sources {
				refs[i] = fmt.Sprintf("%s p.%d", s.Filename, s.Page)
			}
			color.HiBlack("Sources: %s", strings.Join(refs, ", "))
		}
	}
	return scanner.Err()
}

func pickCourse(scanner *bufio.Scanner, names []string) (string, error) {
	color.Cyan("Select a course:")
	for i, name := range names {
		fmt.Printf("  %d) %s\n", i+1, name)
	}
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return "", errors.New("no course selected")
		}
		n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err == nil && n >= 1 && n <= len(names) {
			return names[n-1], nil
		}
		color.Red("Enter a number between 1 and %d", len(names))
	}
}

func (a *app) tui(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	course := fs.String("course", "", "Initial course")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// the alt screen owns the terminal; only errors go to the log
	a.logger = a.logger.WithOptions(zap.IncreaseLevel(zap.ErrorLevel))

	index, err := a.newIndex(ctx)
	if err != nil {
		return err
	}
	defer index.Close()

	pipeline, err := a.newPipeline(ctx, index)
	if err != nil {
		return err
	}

	catalog := a.config.Catalog()
	session := chat.NewSession(pipeline, catalog, "")
	if *course != "" {
		if err := session.SetCourse(*course); err != nil {
			return err
		}
	}
	return tui.Run(ctx, session, catalog.Names())
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.config.Server.Addr, "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := a.newIndex(ctx)
	if err != nil {
		return err
	}
	defer index.Close()

	if err := index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("failed to prepare collection: %w", err)
	}

	pipeline, err := a.newPipeline(ctx, index)
	if err != nil {
		return err
	}

	color.Blue("Serving on %s", *addr)
	return server.New(pipeline, a.config.Catalog(), server.Config{Addr: *addr}, a.logger).Start(ctx)
}

func (a *app) eval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	benchmark := fs.String("benchmark", "evaluation/evaluation_benchmark.json", "Benchmark JSON file")
	out := fs.String("out", "evaluation/evaluation_results.json", "Where to write the JSON report")
	xlsx := fs.String("xlsx", "", "Also write the report as an Excel workbook")
	progress := fs.String("progress", "evaluation/evaluation_progress.json", "Progress file used to resume")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cases, err := eval.LoadBenchmark(*benchmark)
	if err != nil {
		return err
	}

	index, err := a.newIndex(ctx)
	if err != nil {
		return err
	}
	defer index.Close()

	pipeline, err := a.newPipeline(ctx, index)
	if err != nil {
		return err
	}

	bar := getProgressBar(len(cases), "Evaluating...")
	runner := eval.NewRunner(pipeline, eval.Config{
		RequestsPerMinute: a.config.Eval.RequestsPerMinute,
		Retry:             a.retryPolicy(),
		ProgressPath:      *progress,
		OnProgress:        func(done, _ int, _ eval.Record) { bar.Set(done) },
	}, a.logger)

	report, err := runner.Run(ctx, cases)
	bar.Finish()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
		return err
	}
	if err := eval.WriteJSON(*out, report); err != nil {
		return err
	}
	if *xlsx != "" {
		if err := eval.WriteXLSX(*xlsx, report); err != nil {
			return err
		}
	}

	printMetrics("Overall", report.Overall)
	for _, course := range eval.CourseNames(*report) {
		printMetrics(course, report.Courses[course])
	}
	color.Green("\n✓ Report written to %s", *out)
	return nil
}

func printMetrics(label string, m eval.Metrics) {
	color.Cyan("\n%s:", label)
	fmt.Printf("  cases: %d  answered: %d  errors: %d\n", m.Cases, m.Answered, m.Errors)
	fmt.Printf("  answered_rate: %.3f  no_context_rate: %.3f\n", m.AnsweredRate, m.NoContextRate)
	fmt.Printf("  mean_contexts: %.2f  token_recall: %.3f\n", m.MeanContexts, m.TokenRecall)
}
