package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/partnerwatch/sentryd/internal/config"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
	"github.com/partnerwatch/sentryd/internal/store"
)

// osFS is the real filesystem used by commands that inspect the
// keystore directory (§6 Keystore contract); tests substitute
// afero.NewMemMapFs() at the package level they exercise instead of
// through this CLI layer.
func osFS() afero.Fs { return afero.NewOsFs() }

// openStore opens the sqlite store at cfg.Database.Path, applying
// migrations (§4.6). Callers are responsible for closing it.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.Path, log)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return st, nil
}

// newRPCClient builds the transport client from the resolved config
// (§4.1, §6).
func newRPCClient(cfg config.Config, log *zap.Logger) *rpcclient.Client {
	return rpcclient.New(rpcclient.Config{
		URL:               cfg.RPC.URL,
		Timeout:           cfg.RPCTimeout(),
		MaxRetries:        uint64(cfg.RPC.MaxRetries),
		RetryInitialDelay: cfg.RetryInitialDelay(),
		RetryMaxDelay:     cfg.RetryMaxDelay(),
	}, log)
}
