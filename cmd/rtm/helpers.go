package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftchat/rtm"
	"go.uber.org/zap"
)

// session bundles what a streaming command needs.
type session struct {
	client    *rtm.Client
	snapshots *rtm.SQLiteSnapshots
	log       *zap.Logger
}

// openSession loads the config, opens the snapshot database and builds a
// client rehydrated from the last checkpoint.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token: run 'rtm init <token>' first")
	}
	if cfg.Default.URL == "" {
		return nil, errors.New("no stream url: run 'rtm config set default.url <url>'")
	}

	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	client := rtm.NewClient(nil, rtm.Config{
		URL:        cfg.Default.URL,
		APIURL:     cfg.Default.APIURL,
		Token:      cfg.Auth.Token,
		SelfUserID: cfg.Auth.UserID,
		Logger:     logger,
	})
	s := &session{client: client, log: logger}

	if cfg.Default.SnapshotPath != "" {
		ss, err := rtm.OpenSQLiteSnapshots(cfg.Default.SnapshotPath)
		if err != nil {
			return nil, err
		}
		s.snapshots = ss
		if err := client.Rehydrate(ctx, ss); err != nil && !errors.Is(err, rtm.ErrNoSnapshot) {
			logger.Warn("snapshot not restored", zap.Error(err))
		}
	}
	return s, nil
}

// close checkpoints the store and releases the snapshot database.
func (s *session) close() {
	defer s.log.Sync()
	if s.snapshots == nil {
		return
	}
	defer s.snapshots.Close()
	if err := s.client.Checkpoint(context.Background(), s.snapshots); err != nil {
		s.log.Warn("checkpoint failed", zap.Error(err))
	}
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
