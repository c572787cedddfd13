package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/rknightion/paperless-dedupe/internal/ai"
	"github.com/rknightion/paperless-dedupe/internal/analysis"
	"github.com/rknightion/paperless-dedupe/internal/batch"
	"github.com/rknightion/paperless-dedupe/internal/config"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/paperless"
	"github.com/rknightion/paperless-dedupe/internal/progress"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/syncengine"
)

// envPrefix namespaces environment variable overrides, e.g.
// PAPERLESS_DEDUPE_PAPERLESS_URL.
const envPrefix = "PAPERLESS_DEDUPE"

// storePath is the bbolt database location; not a recognized config key
// since it describes where state lives, not how the core behaves.
const storePath = "paperless-dedupe.db"

// app bundles the core collaborators one command invocation needs, built
// once from a resolved and validated config.Config.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	store    *store.Store
	client   *paperless.Client
	bus      *events.Bus
	syncer   *syncengine.Engine
	analyzer *analysis.Coordinator
	batcher  *batch.Orchestrator
	collab   *ai.Coordinator
}

// newLoader builds a config.Loader and binds its flags onto cmd's flag set.
// Call this while constructing the *cobra.Command, before cobra parses
// os.Args; call loadConfig from RunE once flags are populated.
func newLoader(flags *pflag.FlagSet) *config.Loader {
	loader := config.NewLoader(envPrefix)
	loader.BindFlags(flags)
	return loader
}

func loadConfig(loader *config.Loader) (config.Config, error) {
	if err := loader.ReadConfigFile(); err != nil {
		return config.Config{}, err
	}
	return loader.Load()
}

func newApp(cfg config.Config) (*app, error) {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	st, err := store.Open(storePath, log)
	if err != nil {
		return nil, err
	}

	client := paperless.New(cfg.PaperlessConfig(), nil, log)
	bus := events.New()
	syncer := syncengine.New(client, st, bus, log, cfg.SyncEngineConfig())
	analyzer := analysis.New(st, bus, log, cfg.AnalysisConfig())
	batcher := batch.New(client, st, bus, log, cfg.BatchConcurrency)

	var collab *ai.Coordinator
	if cfg.AiAPIKey != "" {
		collaborator := ai.NewOpenAICollaborator(cfg.AIConfig())
		collab = ai.New(collaborator, st, bus)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		client:   client,
		bus:      bus,
		syncer:   syncer,
		analyzer: analyzer,
		batcher:  batcher,
		collab:   collab,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// withProgress subscribes to bus for operationID, drives a CLI spinner from
// every *_update event's payload while fn runs, and tears the subscription
// down afterward. fn blocks until the one-shot sync/analyze run finishes.
func withProgress(bus *events.Bus, operationID string, showProgress bool, fn func() error) error {
	sub := bus.Subscribe(operationID)
	defer sub.Close()

	bar := progress.New(showProgress, -1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-sub.C:
				bar.Describe(fmt.Sprintf("%v", evt.Payload))
			case <-done:
				return
			}
		}
	}()

	err := fn()
	close(done)
	bar.Finish("done")
	return err
}
