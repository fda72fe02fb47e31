// Package node composes the runtime: keyring, stores, engine, directory
// client and status server, plus the loops that keep them fed.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"souma/node/internal/api"
	"souma/node/internal/config"
	"souma/node/internal/electrical"
	"souma/node/internal/keyring"
	"souma/node/internal/platform/privacylog"
	"souma/node/internal/signalbus"
	"souma/node/internal/store"
	"souma/node/internal/store/blob"
	"souma/node/internal/store/postgres"
	"souma/node/internal/synapse"
)

type Node struct {
	log      *slog.Logger
	cfg      config.Config
	ring     *keyring.Keyring
	seeds    *keyring.SeedStore
	objects  store.ObjectStore
	vesicles store.VesicleStore
	bus      *signalbus.Bus
	engine   *synapse.Engine
	glia     *electrical.Client
	api      *api.Server
	identity *keyring.Identity
	blob     *blob.Store
	pg       *postgres.Connection
	started  time.Time
}

func New(ctx context.Context, cfg config.Config) (*Node, error) {
	log := newLogger(cfg.LogLevel)

	ring := keyring.New()
	seeds := keyring.NewSeedStore(cfg.Keyring.SeedFile, cfg.Keyring.Passphrase)
	loaded, err := seeds.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load keyring: %w", err)
	}
	for _, ident := range loaded {
		if err := ring.Add(ident); err != nil {
			return nil, err
		}
	}

	// The node itself is an identity: it signs directory requests and is
	// the fallback author for protocol requests.
	controlled := ring.Controlled()
	var identity *keyring.Identity
	if len(controlled) > 0 {
		identity = controlled[0]
	} else {
		identity, _, err = keyring.GenerateIdentity("souma-node")
		if err != nil {
			return nil, fmt.Errorf("failed to generate node identity: %w", err)
		}
		if err := ring.Add(identity); err != nil {
			return nil, err
		}
		if err := seeds.Save(ring.Controlled()); err != nil {
			return nil, fmt.Errorf("failed to persist node identity: %w", err)
		}
		log.Info("generated node identity", "souma_id", identity.ID, "address", identity.Address())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	var objects store.ObjectStore
	var vesicles store.VesicleStore
	var pg *postgres.Connection
	if cfg.Database.DSN != "" {
		pg, err = postgres.NewConnection(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		objects = postgres.NewObjectStore(pg)
		vesicles = postgres.NewVesicleStore(pg)
	} else {
		mem := store.NewMemory()
		objects = mem
		vesicles = mem
	}

	var blobStore *blob.Store
	if cfg.Blob.Endpoint != "" {
		blobStore, err = blob.New(ctx, cfg.Blob.Endpoint, cfg.Blob.AccessKey, cfg.Blob.SecretKey, cfg.Blob.Bucket, cfg.Blob.UseTLS)
		if err != nil {
			return nil, err
		}
	}

	glia, err := electrical.New(log, cfg.Glia.URL, identity.ID, identity, cfg.Glia.RelayRPS, cfg.Glia.RelayBurst)
	if err != nil {
		return nil, err
	}

	bus := signalbus.New(true)
	engine := synapse.New(log, ring, objects, vesicles, bus, glia, glia, identity.ID, registry)

	n := &Node{
		log:      log,
		cfg:      cfg,
		ring:     ring,
		seeds:    seeds,
		objects:  objects,
		vesicles: vesicles,
		bus:      bus,
		engine:   engine,
		glia:     glia,
		identity: identity,
		blob:     blobStore,
		pg:       pg,
		started:  time.Now().UTC(),
	}
	n.api = api.NewServer(log, cfg.API.Addr, n, registry)
	return n, nil
}

func (n *Node) Close() {
	if n.pg != nil {
		_ = n.pg.Close()
	}
}

// SoumaID is the node's own identifier on the directory.
func (n *Node) SoumaID() string { return n.identity.ID }

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}
