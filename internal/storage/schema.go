package storage

import (
	"context"
	"fmt"
)

// Tables the mutation helpers may write. Campaign, media and content rows are
// owned by the authoring workflow and are only read here.
const (
	TableDetections     = "detections"
	TableInsightHistory = "insight_history"
	TablePlacements     = "push_list"
)

var allowedTables = map[string]struct{}{
	TableDetections:     {},
	TableInsightHistory: {},
	TablePlacements:     {},
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ON_GOING',
		medium TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL,
		handle TEXT,
		visibility TEXT NOT NULL DEFAULT 'public',
		medium TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_media_external ON media(external_id)`,
	`CREATE TABLE IF NOT EXISTS contents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		forward_channel_id TEXT,
		forward_message_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_contents (
		campaign_id INTEGER NOT NULL REFERENCES campaigns(id),
		content_id INTEGER NOT NULL REFERENCES contents(id),
		PRIMARY KEY (campaign_id, content_id)
	)`,
	`CREATE TABLE IF NOT EXISTS push_list (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		campaign_id INTEGER NOT NULL REFERENCES campaigns(id),
		media_id INTEGER NOT NULL REFERENCES media(id),
		content_id INTEGER NOT NULL REFERENCES contents(id),
		status TEXT NOT NULL DEFAULT 'PENDING',
		edited_channel_id TEXT,
		edited_message_ids TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_push_list_status ON push_list(status)`,
	`CREATE INDEX IF NOT EXISTS idx_push_list_media ON push_list(media_id)`,
	`CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		push_id INTEGER NOT NULL REFERENCES push_list(id),
		post_id TEXT NOT NULL,
		action_at DATETIME NOT NULL,
		detected_by TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_push ON detections(push_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_post ON detections(post_id)`,
	`CREATE TABLE IF NOT EXISTS insight_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		push_id INTEGER NOT NULL REFERENCES push_list(id),
		views INTEGER NOT NULL DEFAULT 0,
		shares INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_insight_history_push ON insight_history(push_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ON_GOING',
		medium TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT NOT NULL,
		handle TEXT,
		visibility TEXT NOT NULL DEFAULT 'public',
		medium TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_media_external ON media(external_id)`,
	`CREATE TABLE IF NOT EXISTS contents (
		id BIGSERIAL PRIMARY KEY,
		channel_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		forward_channel_id TEXT,
		forward_message_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_contents (
		campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
		content_id BIGINT NOT NULL REFERENCES contents(id),
		PRIMARY KEY (campaign_id, content_id)
	)`,
	`CREATE TABLE IF NOT EXISTS push_list (
		id BIGSERIAL PRIMARY KEY,
		campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
		media_id BIGINT NOT NULL REFERENCES media(id),
		content_id BIGINT NOT NULL REFERENCES contents(id),
		status TEXT NOT NULL DEFAULT 'PENDING',
		edited_channel_id TEXT,
		edited_message_ids TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_push_list_status ON push_list(status)`,
	`CREATE INDEX IF NOT EXISTS idx_push_list_media ON push_list(media_id)`,
	`CREATE TABLE IF NOT EXISTS detections (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		push_id BIGINT NOT NULL REFERENCES push_list(id),
		post_id TEXT NOT NULL,
		action_at TIMESTAMPTZ NOT NULL,
		detected_by TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_push ON detections(push_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_post ON detections(post_id)`,
	`CREATE TABLE IF NOT EXISTS insight_history (
		id BIGSERIAL PRIMARY KEY,
		push_id BIGINT NOT NULL REFERENCES push_list(id),
		views BIGINT NOT NULL DEFAULT 0,
		shares BIGINT NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_insight_history_push ON insight_history(push_id)`,
}

// Migrate applies the schema for the gateway's dialect. Every statement is
// idempotent.
func (g *Gateway) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if g.dialect.name == "postgres" {
		stmts = postgresSchema
	}
	for i, stmt := range stmts {
		if _, err := g.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	g.logger.Info("Storage schema applied", "dialect", g.dialect.name, "statements", len(stmts))
	return nil
}
