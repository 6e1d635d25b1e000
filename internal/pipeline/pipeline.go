// Package pipeline runs one extract, normalize, merge, derive and load pass
// over the cultural spaces sources.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"espacios/internal/dataset"
	"espacios/internal/logger"
	"espacios/internal/merge"
	"espacios/internal/metrics"
	"espacios/internal/normalize"
	"espacios/internal/parser/csv"
	"espacios/internal/schema"
	"espacios/internal/storage"
)

// Fetcher returns the raw bytes of a named source. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, name, url string) (io.ReadCloser, error)
}

// Options is what one run needs to know.
type Options struct {
	// Sources maps each source to its location. All three are required.
	Sources map[normalize.Source]string

	// SQLPath receives the derived DDL script. Empty skips writing it.
	SQLPath string

	Storage        storage.Config
	Representative merge.Policy

	// DryRun stops after the DDL script is written.
	DryRun bool
}

// TableReport is the outcome of reloading one table.
type TableReport struct {
	Name string
	Rows int64
	Err  error
}

// Report summarizes a run.
type Report struct {
	RunID           string
	LoadedAt        time.Time
	Script          string
	DatabaseCreated bool
	Tables          []TableReport
}

// Runner wires the stages together. Zero-valued seams fall back to the
// registered storage backends and the wall clock.
type Runner struct {
	Fetcher Fetcher
	Logger  *logger.Logger

	Open           func(ctx context.Context, cfg storage.Config) (storage.Executor, error)
	EnsureDatabase func(ctx context.Context, cfg storage.Config) (bool, error)
	Now            func() time.Time
}

// Run executes a full pass. Failures before the database is touched abort the
// run with nothing written. A DDL failure aborts too. Reload failures are
// reported per table; the remaining tables are still attempted and the
// failures are returned joined.
func (r *Runner) Run(ctx context.Context, opt Options) (*Report, error) {
	if r.Fetcher == nil {
		return nil, fmt.Errorf("pipeline: Fetcher is required")
	}
	log := r.Logger
	if log == nil {
		log = logger.Nop()
	}

	rep := &Report{RunID: uuid.NewString(), LoadedAt: r.now()}
	log = log.With("run_id", rep.RunID)

	log.Info("--- STARTING PROGRAM ---")
	defer log.Info("---- ENDING PROGRAM ----")

	parts, err := r.extract(ctx, log, opt.Sources)
	if err != nil {
		log.Event("ERROR", "Extraction failed", err.Error())
		return rep, err
	}

	var tables dataset.TableSet
	err = step(log, "merge", func() error {
		var err error
		tables, err = merge.Merge(parts, merge.Options{LoadedAt: rep.LoadedAt, Representative: opt.Representative})
		return err
	})
	if err != nil {
		log.Event("ERROR", "Merge failed", err.Error())
		return rep, err
	}
	for _, t := range tables {
		log.Event("INFO", fmt.Sprintf("Created %s table", t.Name), fmt.Sprintf("%d rows", t.Data.Len()))
	}

	dialect, err := storage.DialectFor(opt.Storage.Kind)
	if err != nil {
		log.Event("ERROR", "Unknown storage backend", err.Error())
		return rep, err
	}
	var plan *schema.Plan
	err = step(log, "derive", func() error {
		var err error
		plan, err = schema.Derive(tables, dialect)
		if err != nil {
			return err
		}
		rep.Script = plan.Script()
		return writeScript(opt.SQLPath, rep.Script)
	})
	if err != nil {
		log.Event("ERROR", "Schema derivation failed", err.Error())
		return rep, err
	}
	if opt.SQLPath != "" {
		log.Event("INFO", "Wrote DDL script", opt.SQLPath)
	}

	if opt.DryRun {
		log.Info("dry run: database untouched")
		return rep, nil
	}

	return rep, r.load(ctx, log, opt.Storage, plan, tables, rep)
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// extract fetches, parses and normalizes every source concurrently. The
// result is in normalize.Sources order regardless of completion order.
func (r *Runner) extract(ctx context.Context, log *logger.Logger, urls map[normalize.Source]string) ([]*dataset.Dataset, error) {
	parts := make([]*dataset.Dataset, len(normalize.Sources))

	for _, src := range normalize.Sources {
		if _, ok := urls[src]; !ok {
			return nil, fmt.Errorf("pipeline: no location configured for %s", src)
		}
	}

	err := step(log, "extract", func() error {
		g, gctx := errgroup.WithContext(ctx)
		for i, src := range normalize.Sources {
			g.Go(func() error {
				ds, err := r.extractOne(gctx, src, urls[src])
				if err != nil {
					return err
				}
				log.Event("INFO", fmt.Sprintf("Normalized %s", src), fmt.Sprintf("%d rows", ds.Len()))
				parts[i] = ds
				return nil
			})
		}
		return g.Wait()
	})
	return parts, err
}

func (r *Runner) extractOne(ctx context.Context, src normalize.Source, url string) (*dataset.Dataset, error) {
	rc, err := r.Fetcher.Fetch(ctx, string(src), url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := csv.ReadDataset(ctx, rc, csv.Options{LazyQuotes: true, Source: string(src)})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src, err)
	}
	return normalize.Normalize(raw, src)
}

func writeScript(path, script string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(script), 0o644)
}

func (r *Runner) load(ctx context.Context, log *logger.Logger, cfg storage.Config, plan *schema.Plan, tables dataset.TableSet, rep *Report) error {
	ensure := r.EnsureDatabase
	if ensure == nil {
		ensure = storage.EnsureDatabase
	}
	open := r.Open
	if open == nil {
		open = storage.Open
	}

	created, err := ensure(ctx, cfg)
	if err != nil {
		log.Event("ERROR", "Could not prepare database", err.Error())
		return err
	}
	rep.DatabaseCreated = created
	if created {
		log.Event("INFO", "Database created", cfg.Database)
	} else {
		log.Event("INFO", "Database found", cfg.Database)
	}

	ex, err := open(ctx, cfg)
	if err != nil {
		log.Event("ERROR", "Could not connect to database", err.Error())
		return err
	}
	defer ex.Close()

	if got, want := ex.Dialect().Name(), plan.Dialect().Name(); got != want {
		err := fmt.Errorf("pipeline: %s executor expects %s DDL, script was rendered for %s", cfg.Kind, got, want)
		log.Event("ERROR", "Could not create tables", err.Error())
		return err
	}

	if err := step(log, "ddl", func() error { return ex.ApplyDDL(ctx, rep.Script) }); err != nil {
		log.Event("ERROR", "Could not create tables", err.Error())
		return err
	}

	var errs []error
	err = step(log, "reload", func() error {
		for _, t := range tables {
			cols, rows := storage.TableRows(t.Data)
			n, err := ex.ReplaceTableContents(ctx, t.Name, cols, rows)
			rep.Tables = append(rep.Tables, TableReport{Name: t.Name, Rows: n, Err: err})
			if err != nil {
				log.Event("ERROR", fmt.Sprintf("Could not reload %s", t.Name), err.Error())
				errs = append(errs, err)
				continue
			}
			metrics.RecordRows(t.Name, n)
			log.Event("INFO", fmt.Sprintf("Reloaded %s", t.Name), fmt.Sprintf("%d rows", n))
		}
		return errors.Join(errs...)
	})
	return err
}

// step times fn, records it and logs the outcome.
func step(log *logger.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStep(name, err, d)

	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
	}
	log.Info(fmt.Sprintf("stage=%s %s duration=%s", name, status, d.Truncate(time.Millisecond)))
	return err
}
