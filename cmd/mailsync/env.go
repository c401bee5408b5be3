package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	msync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/vault"
)

// env is what every command works with: the loaded config, a configured
// logger, and the store and vault when the command needs them.
type env struct {
	configPath string
	cfg        *model.AppConfig
	log        *log.Logger
	store      *store.SQLStore
	vault      *vault.Vault
}

func loadEnv(c *cli.Context) (*env, error) {
	path := c.String("config")
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	logger := log.StandardLogger()
	level := cfg.Log.Level
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if lvl, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	format := cfg.Log.Format
	if c.IsSet("log-format") {
		format = c.String("log-format")
	}
	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	return &env{configPath: path, cfg: cfg, log: logger}, nil
}

func (e *env) openStore() error {
	var opts []store.Option
	opts = append(opts, store.WithLogger(e.log))
	if e.cfg.Attachments.Dir != "" {
		blobs, err := store.NewDirBlobStore(e.cfg.Attachments.Dir)
		if err != nil {
			return err
		}
		opts = append(opts, store.WithBlobStore(blobs))
	}

	dsn := e.cfg.Database.DSN
	if e.cfg.Database.Driver == model.DriverSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	s, err := store.Open(e.cfg.Database.Driver, dsn, opts...)
	if err != nil {
		return err
	}
	e.store = s
	return nil
}

func (e *env) openVault() error {
	src, err := vault.SourceFromConfig(e.cfg.Vault, afero.NewOsFs())
	if err != nil {
		return err
	}
	v, err := vault.Open(src)
	if err != nil {
		return err
	}
	e.vault = v
	return nil
}

func (e *env) engine() *msync.Engine {
	timeout := time.Duration(e.cfg.Sync.TimeoutSec) * time.Second
	dialer := &mailbox.Dialer{
		DialTimeout:    timeout,
		CommandTimeout: timeout,
		Log:            e.log,
	}
	return msync.New(e.store, e.vault, msync.DialerConnector(dialer), msync.WithLogger(e.log))
}

// accounts returns the configured account named by id, or all of them
// when id is empty.
func (e *env) accounts(id string) ([]model.Account, error) {
	if id == "" {
		if len(e.cfg.Accounts) == 0 {
			return nil, fmt.Errorf("no accounts configured in %s", e.configPath)
		}
		return e.cfg.Accounts, nil
	}
	acct, err := e.cfg.Account(id)
	if err != nil {
		return nil, err
	}
	return []model.Account{acct}, nil
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.WithError(err).Warn("store_close_failed")
		}
	}
}
