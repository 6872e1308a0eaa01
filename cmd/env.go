package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/agency"
	"github.com/harborline/merchcore/internal/graph"
	"github.com/harborline/merchcore/internal/ingest"
	"github.com/harborline/merchcore/internal/ledger"
	"github.com/harborline/merchcore/internal/policy"
	"github.com/harborline/merchcore/internal/store"
	"github.com/harborline/merchcore/internal/transform"
)

// env wires the core services over one shared store.
type env struct {
	Store     store.Store
	Graph     *graph.Graph
	Ingest    *ingest.Engine
	Policy    *policy.Engine
	Profit    *policy.ProfitValidator
	Ledger    *ledger.Ledger
	Agent     *agency.Agent
	Transform *transform.Engine
}

// openStore builds the configured backing store. The driver choice is
// explicit config, never sniffed from the environment.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		s, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		zap.L().Info("store opened", zap.String("driver", "sqlite"), zap.String("path", cfg.Store.Path))
		return s, nil
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
		if err != nil {
			return nil, err
		}
		zap.L().Info("store opened", zap.String("driver", "postgres"))
		return s, nil
	default:
		return nil, eris.Errorf("unknown store driver %q (use sqlite or postgres)", cfg.Store.Driver)
	}
}

// initEnv opens the store and wires every service over it.
func initEnv(ctx context.Context) (*env, error) {
	s, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	g := graph.New(s)
	led := ledger.New(s)
	return &env{
		Store:     s,
		Graph:     g,
		Ingest:    ingest.New(g, cfg.Ingest.BatchSize, cfg.Ingest.MaxErrors),
		Policy:    policy.New(s),
		Profit:    policy.NewProfitValidator(cfg.Policy.WACC/365, cfg.Policy.HurdleRate),
		Ledger:    led,
		Agent:     agency.New(g, led),
		Transform: transform.New(g),
	}, nil
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}
