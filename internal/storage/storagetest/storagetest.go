// Package storagetest opens throwaway SQLite gateways and seeds placement
// fixtures for tests.
package storagetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/KafClaw/pushwatch/internal/storage"
)

// Medium is the medium fixtures are created under.
const Medium = "TELEGRAM"

// Open returns a connected, migrated gateway on a temp-file database.
// driver is storage.DriverSQLite or storage.DriverSQLite3.
func Open(t testing.TB, driver string, opts ...storage.Option) *storage.Gateway {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pushwatch.db")
	cfg := storage.DefaultConfig()
	cfg.Driver = driver
	cfg.DSN = storage.SQLiteDSN(driver, path)
	cfg.ConnectAttempts = 1
	cfg.QueueRate = 10000
	cfg.QueueBurst = 1000

	gw, err := storage.New(cfg, opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx := context.Background()
	if err := gw.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	if err := gw.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gw
}

// Placement describes one placement fixture and the rows behind it. Empty
// fields take sensible defaults.
type Placement struct {
	CampaignName     string
	CampaignStatus   string
	ChannelID        string
	Handle           string
	ContentChannelID string
	ContentMessageID string
	ForwardChannelID string
	ForwardMessageID string
	Status           string
	EditedChannelID  string
	EditedMessageIDs string
}

// Seeder inserts fixtures with explicit, increasing ids.
type Seeder struct {
	t    testing.TB
	gw   *storage.Gateway
	next int64
}

// NewSeeder returns a Seeder writing through gw.
func NewSeeder(t testing.TB, gw *storage.Gateway) *Seeder {
	return &Seeder{t: t, gw: gw}
}

// Placement inserts a campaign, media, content, link and placement and
// returns the placement id.
func (s *Seeder) Placement(p Placement) int64 {
	s.t.Helper()
	s.next++
	id := s.next
	if p.CampaignName == "" {
		p.CampaignName = "campaign"
	}
	if p.CampaignStatus == "" {
		p.CampaignStatus = storage.CampaignOnGoing
	}
	if p.Status == "" {
		p.Status = storage.PlacementApproved
	}
	if p.ContentChannelID == "" {
		p.ContentChannelID = "1"
	}
	if p.ContentMessageID == "" {
		p.ContentMessageID = "1"
	}

	s.exec(`INSERT INTO campaigns (id, name, status, medium) VALUES (?, ?, ?, ?)`,
		id, p.CampaignName, p.CampaignStatus, Medium)
	s.exec(`INSERT INTO media (id, external_id, handle, visibility, medium) VALUES (?, ?, ?, ?, ?)`,
		id, p.ChannelID, nullable(p.Handle), storage.VisibilityPublic, Medium)
	s.exec(`INSERT INTO contents (id, channel_id, message_id, forward_channel_id, forward_message_id) VALUES (?, ?, ?, ?, ?)`,
		id, p.ContentChannelID, p.ContentMessageID, nullable(p.ForwardChannelID), nullable(p.ForwardMessageID))
	s.exec(`INSERT INTO campaign_contents (campaign_id, content_id) VALUES (?, ?)`, id, id)
	s.exec(`INSERT INTO push_list (id, campaign_id, media_id, content_id, status, edited_channel_id, edited_message_ids) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, id, id, id, p.Status, nullable(p.EditedChannelID), nullable(p.EditedMessageIDs))
	return id
}

// Count returns SELECT COUNT(*) for the given where clause on table.
func (s *Seeder) Count(table, where string, args ...any) int {
	s.t.Helper()
	return Count(s.t, s.gw, table, where, args...)
}

func (s *Seeder) exec(q string, args ...any) {
	s.t.Helper()
	if _, err := s.gw.Exec(context.Background(), q, args...); err != nil {
		s.t.Fatalf("seed %q: %v", q, err)
	}
}

// Count returns the number of rows in table matching where.
func Count(t testing.TB, gw *storage.Gateway, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	err := gw.Query(context.Background(), q, args, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
