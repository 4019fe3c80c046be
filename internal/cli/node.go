package cli

import (
	"context"
	"log/slog"

	"github.com/apstic/recsync/internal/capture"
	"github.com/apstic/recsync/internal/config"
	"github.com/apstic/recsync/internal/device"
	"github.com/apstic/recsync/internal/engine"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/remote"
	"github.com/apstic/recsync/internal/txlog"
)

// node is a fully wired recsync node: config, transaction log, record
// store with change capture attached, identity, and the sync engine.
type node struct {
	cfg      *config.Config
	log      *txlog.Store
	records  *record.MemStore
	identity *device.Identity
	engine   *engine.Engine
}

// openNode loads the config and wires every component. The caller must
// Close the node when done.
func openNode(ctx context.Context, opts *RootOptions) (*node, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	log, err := txlog.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	records := record.NewMemStore()
	for recordType, fields := range cfg.Types {
		records.RegisterSchema(recordType, fields...)
	}

	identity := device.NewIdentity(log, cfg.IsMaster())
	logger := slog.Default()

	capturer := capture.New(log, identity, cfg.ExcludedTypes, logger)
	records.OnChange(capturer.Capture)

	var client engine.RemoteClient
	if !cfg.IsMaster() {
		deviceID, err := identity.DeviceID(ctx)
		if err != nil {
			log.Close()
			return nil, WrapExitError(ExitCommandError, "resolve device id", err)
		}
		client = remote.NewClient(cfg.MasterURL, cfg.APIKey, cfg.APISecret, deviceID, nil)
	}

	eng, err := engine.New(engine.Options{
		Log:             log,
		Local:           records,
		Remote:          client,
		Identity:        identity,
		Logger:          logger,
		IsMaster:        cfg.IsMaster(),
		MaxAttempts:     cfg.MaxAttempts,
		CollisionPolicy: cfg.CollisionPolicy,
	})
	if err != nil {
		log.Close()
		return nil, WrapExitError(ExitCommandError, "wire engine", err)
	}

	return &node{
		cfg:      cfg,
		log:      log,
		records:  records,
		identity: identity,
		engine:   eng,
	}, nil
}

func (n *node) Close() {
	if err := n.log.Close(); err != nil {
		slog.Error("close database", "error", err)
	}
}
