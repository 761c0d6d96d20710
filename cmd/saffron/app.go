package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/evidence"
	"github.com/Veraticus/saffron/internal/gmail"
	"github.com/Veraticus/saffron/internal/llm"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/pipeline"
	"github.com/Veraticus/saffron/internal/rules"
	"github.com/Veraticus/saffron/internal/storage"
)

// initStorage opens the configured database and brings its schema up to date.
func initStorage(ctx context.Context) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(config.DatabasePath(viper.GetViper()))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// app bundles what the classification commands need.
type app struct {
	store   *storage.SQLiteStorage
	engine  *rules.Engine
	orch    *pipeline.Orchestrator
	cfg     config.Pipeline
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires storage, the rule engine and, when withStages is set, the
// evidence stages backed by the mailbox and the LLM.
func newApp(ctx context.Context, withStages bool) (*app, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	store, err := initStorage(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, cfg: cfg, engine: rules.NewEngine(store)}
	a.closers = append(a.closers, func() { _ = store.Close() })

	var stages []evidence.Stage
	if withStages {
		if stages, err = a.buildStages(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.orch = pipeline.New(store, a.engine, evidence.NewResolver(cfg, stages...), cfg)
	return a, nil
}

func (a *app) buildStages(ctx context.Context) ([]evidence.Stage, error) {
	mappings, err := config.LoadMappings(viper.GetString("mappings.file"))
	if err != nil {
		return nil, err
	}
	mapper := evidence.NewCategoryMapper(mappings)

	llmCfg := llm.ConfigFrom(config.LoadLLM(viper.GetViper()))
	client, err := llm.NewClient(llmCfg)
	if err != nil {
		if errors.Is(err, common.ErrMissingConfig) {
			slog.Warn("No LLM API key configured; evidence stages disabled")
			return nil, nil
		}
		return nil, err
	}
	logger := slog.Default()

	var stages []evidence.Stage

	gmailCfg := config.LoadGmail(viper.GetViper())
	if gmailCfg.Enabled() {
		svc, err := gmail.NewService(ctx, gmailCfg)
		switch {
		case errors.Is(err, gmail.ErrNoToken):
			slog.Warn("Gmail is configured but not authorized; receipt search disabled", "error", err)
		case err != nil:
			return nil, err
		default:
			searcher := gmail.NewSearcher(svc, llm.NewReceiptExtractor(client, llmCfg, logger),
				mappings.MerchantSenders, gmailCfg.User)
			stages = append(stages, evidence.NewReceiptStage(searcher, a.store, mapper, mappings, a.cfg))
		}
	}

	identifier := llm.NewMerchantIdentifier(client, llmCfg, logger)
	a.closers = append(a.closers, identifier.Close)
	stages = append(stages, evidence.NewMerchantStage(identifier, a.store, mapper, mappings))

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	slog.Debug("Evidence stages configured", "stages", names)
	return stages, nil
}

// categoryStore is the lookup surface resolveCategory needs.
type categoryStore interface {
	GetCategory(ctx context.Context, id int64) (*model.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*model.Category, error)
}

// resolveCategory accepts a numeric ID or a category name.
func resolveCategory(ctx context.Context, store categoryStore, ref string) (*model.Category, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, common.NewUserError("category is required", nil)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return store.GetCategory(ctx, id)
	}
	cat, err := store.GetCategoryByName(ctx, ref)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NewUserError(fmt.Sprintf("no category named %q", ref), err)
	}
	return cat, err
}
