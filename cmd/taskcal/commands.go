package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"taskcal/internal/config"
	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recurrence"
	"taskcal/internal/refresh"
	"taskcal/internal/store"
	"taskcal/internal/web"
)

var (
	listFlags = []cli.Flag{
		cli.IntFlag{Name: "days, d", Usage: "days ahead of now (default: config window_days)"},
		cli.IntFlag{Name: "backfill, b", Value: -1, Usage: "days before now (default: config backfill_days)"},
		cli.BoolFlag{Name: "all, a", Usage: "include completed instances"},
		cli.StringFlag{Name: "sort, s", Value: "start", Usage: "start, priority or order"},
	}
	importFlags = []cli.Flag{
		cli.StringFlag{Name: "source", Usage: "source id for the imported items (default: derived from the file name)"},
	}
	editFlags = []cli.Flag{
		cli.StringFlag{Name: "start", Usage: "new start (RFC3339); requires --due"},
		cli.StringFlag{Name: "due", Usage: "new due (RFC3339); requires --start"},
		cli.StringFlag{Name: "title", Usage: "new title for this occurrence"},
		cli.StringFlag{Name: "description", Usage: "new description for this occurrence"},
		cli.IntFlag{Name: "priority", Usage: "new priority for this occurrence"},
	}
)

// env is what every command needs after loading the config.
type env struct {
	cfgPath string
	cfg     *config.Config
	store   *store.Store
	engine  *recurrence.Engine
	loc     *time.Location
}

func setup(ctx context.Context, c *cli.Context) (*env, error) {
	path := c.GlobalString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	st, err := store.Open(ctx, config.ResolvePath(path, cfg.Database))
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()
	return &env{
		cfgPath: path,
		cfg:     cfg,
		store:   st,
		loc:     loc,
		engine: recurrence.New(recurrence.Options{
			DefaultLocation:             loc,
			MaxOccurrencesPerDefinition: cfg.MaxOccurrencesPerDefinition,
		}),
	}, nil
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.store.Close()

	appLog.Info("taskcal starting",
		"version", version,
		"listen", e.cfg.Listen,
		"timezone", e.loc.String(),
		"subscriptions", len(e.cfg.Subscriptions),
	)

	sources := make([]ics.Source, 0, len(e.cfg.Subscriptions))
	for _, sub := range e.cfg.Subscriptions {
		sources = append(sources, ics.Source{ID: sub.ID, Name: sub.Name, URL: sub.URL})
	}
	if len(sources) > 0 {
		fetcher := ics.NewFetcher(config.ResolvePath(e.cfgPath, e.cfg.CacheDir), nil)
		sched := refresh.New(fetcher, e.store, sources, e.loc)
		go func() {
			if err := sched.RefreshOnce(ctx); err != nil {
				appLog.Warn("initial refresh finished with errors", "reason", err.Error())
			}
		}()
		if err := sched.Start(e.cfg.RefreshCron); err != nil {
			return err
		}
		defer sched.Stop()
	}

	err = web.NewServer(e.cfg, e.store, e.engine).ListenAndServe(ctx)
	appLog.Info("taskcal exiting")
	return err
}

func list(c *cli.Context) error {
	ctx := context.Background()
	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.store.Close()

	days := c.Int("days")
	if days <= 0 {
		days = e.cfg.WindowDays
	}
	backfill := c.Int("backfill")
	if backfill < 0 {
		backfill = e.cfg.BackfillDays
	}
	now := time.Now().In(e.loc)
	w := model.Window{Start: now.AddDate(0, 0, -backfill), End: now.AddDate(0, 0, days)}

	defs, tasks, err := e.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	res, err := e.engine.Assemble(tasks, defs, w, recurrence.Query{
		IncludeCompleted: c.Bool("all"),
		SortBy:           recurrence.ParseSortOrder(c.String("sort")),
	})
	if err != nil {
		return err
	}
	printInstances(os.Stdout, res, e.loc)
	return nil
}

func printInstances(out io.Writer, res recurrence.Result, loc *time.Location) {
	if len(res.Instances) == 0 {
		fmt.Fprintln(out, "taskcal: no tasks in range")
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "START\tDUE\tP\tDONE\tTITLE\tID\tLOGICAL DATE")
		for _, occ := range res.Instances {
			id, logical := occ.TaskID, "-"
			if occ.Recurring {
				id = occ.DefinitionID
				logical = occ.LogicalDate.UTC().Format(time.RFC3339)
			}
			done := ""
			if occ.Completed {
				done = "x"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				occ.Start.In(loc).Format("Mon 2006-01-02 15:04"),
				occ.Due.In(loc).Format("15:04"),
				occ.Priority, done, occ.Title, id, logical,
			)
		}
		tw.Flush()
	}
	for _, f := range res.Report.Failures {
		fmt.Fprintf(out, "warning: definition %s skipped: %v\n", f.DefinitionID, f.Err)
	}
	for _, id := range res.Report.Truncated {
		fmt.Fprintf(out, "warning: definition %s truncated\n", id)
	}
}

func importFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}
	path := c.Args().First()
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.store.Close()

	id := c.String("source")
	if id == "" {
		id = sourceIDFromPath(path)
	}
	if strings.Contains(id, ":") {
		return fmt.Errorf("source id %q must not contain ':'", id)
	}
	src := ics.Source{ID: id, Name: filepath.Base(path), URL: path}
	if err := refresh.Import(ctx, e.store, src, body, e.loc); err != nil {
		return err
	}
	fmt.Printf("taskcal: imported %s as source %q\n", path, id)
	return nil
}

func sourceIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	return "file-" + base
}

// occurrenceArgs reads <definition-id> <logical-date>.
func occurrenceArgs(c *cli.Context) (string, time.Time, error) {
	if c.NArg() != 2 {
		return "", time.Time{}, errors.New("expected <definition-id> <logical-date>")
	}
	natural, err := time.Parse(time.RFC3339, c.Args().Get(1))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("logical date: %w", err)
	}
	return c.Args().Get(0), natural.UTC(), nil
}

func complete(c *cli.Context) error {
	id, natural, err := occurrenceArgs(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.store.Close()

	if _, err := e.store.CompleteOccurrence(ctx, id, natural, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Printf("taskcal: completed %s @ %s\n", id, natural.Format(time.RFC3339))
	return nil
}

func cancel(c *cli.Context) error {
	id, natural, err := occurrenceArgs(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.store.Close()

	if err := e.store.CancelOccurrence(ctx, id, natural); err != nil {
		return err
	}
	fmt.Printf("taskcal: cancelled %s @ %s\n", id, natural.Format(time.RFC3339))
	return nil
}

func edit(c *cli.Context) error {
	id, natural, err := occurrenceArgs(c)
	if err != nil {
		return err
	}
	patch, err := patchFromFlags(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.store.Close()

	ov, err := e.store.UpsertOverride(ctx, id, natural, patch)
	if err != nil {
		return err
	}
	fmt.Printf("taskcal: override %s saved for %s @ %s\n", ov.ID, id, natural.Format(time.RFC3339))
	return nil
}

func patchFromFlags(c *cli.Context) (store.OverridePatch, error) {
	var p store.OverridePatch
	if c.IsSet("start") != c.IsSet("due") {
		return p, errors.New("--start and --due must be given together")
	}
	if c.IsSet("start") {
		start, err := time.Parse(time.RFC3339, c.String("start"))
		if err != nil {
			return p, fmt.Errorf("--start: %w", err)
		}
		due, err := time.Parse(time.RFC3339, c.String("due"))
		if err != nil {
			return p, fmt.Errorf("--due: %w", err)
		}
		if due.Before(start) {
			return p, errors.New("--due is before --start")
		}
		p.Start, p.Due = &start, &due
	}
	if c.IsSet("title") {
		v := c.String("title")
		p.Title = &v
	}
	if c.IsSet("description") {
		v := c.String("description")
		p.Description = &v
	}
	if c.IsSet("priority") {
		v := c.Int("priority")
		p.Priority = &v
	}
	if p == (store.OverridePatch{}) {
		return p, errors.New("nothing to edit")
	}
	return p, nil
}
