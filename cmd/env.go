package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/admin"
	"github.com/sells-group/portrait-cli/internal/aggregate"
	"github.com/sells-group/portrait-cli/internal/classify"
	"github.com/sells-group/portrait-cli/internal/enrich"
	"github.com/sells-group/portrait-cli/internal/etl"
	"github.com/sells-group/portrait-cli/internal/registry"
	"github.com/sells-group/portrait-cli/internal/source"
	"github.com/sells-group/portrait-cli/internal/store"
)

// appEnv holds the store, the source reader and the admin service used by
// the operational commands.
type appEnv struct {
	Store  store.Store
	Source *source.Reader
	Admin  *admin.Service
}

// Close releases the database handles.
func (e *appEnv) Close() {
	if e.Source != nil {
		_ = e.Source.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the enriched store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the store, the dialer source, the classifier and every
// service behind admin.Service. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	src, err := source.Open(cfg.Source)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	clf, err := classify.New(cfg.Classifier)
	if err != nil {
		_ = src.Close()
		_ = st.Close()
		return nil, err
	}
	zap.L().Info("classifier ready", zap.String("provider", clf.Name()))

	loc := cfg.Location()
	reg := registry.New(st)
	svc := admin.New(admin.Deps{
		Store:        st,
		Source:       src,
		Sync:         etl.NewService(src, st, cfg.Sync, cfg.Source.PingTimeout),
		Enrich:       enrich.NewService(st, src, clf, cfg),
		Aggregator:   aggregate.New(st, reg, loc),
		Registry:     reg,
		Location:     loc,
		PingTimeout:  cfg.Source.PingTimeout,
		AnalyzeLimit: cfg.Enrich.DefaultLimit,
	})

	return &appEnv{Store: st, Source: src, Admin: svc}, nil
}
