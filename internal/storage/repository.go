package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Repository holds the typed queries the engines run through a Gateway.
// Every query is scoped to one medium.
type Repository struct {
	gw     *Gateway
	medium string
}

// NewRepository binds queries to gw for the given medium.
func NewRepository(gw *Gateway, medium string) *Repository {
	return &Repository{gw: gw, medium: medium}
}

// Gateway returns the underlying gateway.
func (r *Repository) Gateway() *Gateway {
	return r.gw
}

// ActivePlacementsForChannel returns placements hosted on the observed
// channel whose campaign is not ENDED and whose status is APPROVED or
// DETECTED, in placement id order.
func (r *Repository) ActivePlacementsForChannel(ctx context.Context, channelID string) ([]Candidate, error) {
	const q = `
		SELECT p.id, c.name, p.edited_channel_id, p.edited_message_ids,
		       ct.channel_id, ct.message_id, ct.forward_channel_id, ct.forward_message_id
		FROM push_list p
		JOIN campaigns c ON c.id = p.campaign_id
		JOIN media m ON m.id = p.media_id
		JOIN contents ct ON ct.id = p.content_id
		JOIN campaign_contents cc ON cc.campaign_id = c.id AND cc.content_id = ct.id
		WHERE c.status <> ?
		  AND c.medium = ?
		  AND m.medium = ?
		  AND p.status IN (?, ?)
		  AND m.external_id = ?
		ORDER BY p.id`
	args := []any{CampaignEnded, r.medium, r.medium, PlacementApproved, PlacementDetected, channelID}

	var out []Candidate
	err := r.gw.Query(ctx, q, args, func(rows *sql.Rows) error {
		out = out[:0]
		for rows.Next() {
			var (
				c                        sql.NullString
				editedChannel, editedIDs sql.NullString
				fwdChannel, fwdMessage   sql.NullString
				cand                     Candidate
			)
			if err := rows.Scan(&cand.PlacementID, &c, &editedChannel, &editedIDs,
				&cand.ContentChannelID, &cand.ContentMessageID, &fwdChannel, &fwdMessage); err != nil {
				return err
			}
			cand.CampaignName = c.String
			cand.EditedChannelID = editedChannel.String
			cand.EditedMessageIDs = strings.TrimSpace(editedIDs.String)
			cand.ForwardChannelID = fwdChannel.String
			cand.ForwardMessageID = fwdMessage.String
			out = append(out, cand)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("active placements for channel %s: %w", channelID, err)
	}
	return out, nil
}

// RecordPlacementDetection inserts a PLACEMENT detection and advances the
// placement from APPROVED to DETECTED in one transaction. A placement that
// is already DETECTED keeps its status.
func (r *Repository) RecordPlacementDetection(ctx context.Context, d Detection) (int64, error) {
	d.Type = DetectionPlacement
	var id int64
	err := r.gw.Transaction(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Insert(ctx, TableDetections, d.record())
		if err != nil {
			return fmt.Errorf("insert detection: %w", err)
		}
		_, err = tx.Update(ctx, TablePlacements,
			map[string]any{"status": PlacementDetected},
			map[string]any{"id": d.PlacementID, "status": PlacementApproved})
		if err != nil {
			return fmt.Errorf("advance placement %d: %w", d.PlacementID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertDetection appends a detection row outside of any transaction.
func (r *Repository) InsertDetection(ctx context.Context, d Detection) (int64, error) {
	return r.gw.Insert(ctx, TableDetections, d.record())
}

// PlacementDetectionsForPosts returns PLACEMENT detections on the channel for
// any of postIDs that have not already been answered by a REMOVE detection.
func (r *Repository) PlacementDetectionsForPosts(ctx context.Context, channelID string, postIDs []string) ([]DetectedPost, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}
	q := `
		SELECT DISTINCT d.push_id, d.post_id, c.name
		FROM detections d
		JOIN push_list p ON p.id = d.push_id
		JOIN media m ON m.id = p.media_id
		JOIN campaigns c ON c.id = p.campaign_id
		WHERE d.type = ?
		  AND m.medium = ?
		  AND m.external_id = ?
		  AND d.post_id IN (` + placeholders(len(postIDs)) + `)
		  AND NOT EXISTS (
		      SELECT 1 FROM detections r
		      WHERE r.type = ? AND r.push_id = d.push_id AND r.post_id = d.post_id
		  )
		ORDER BY d.push_id`
	args := make([]any, 0, len(postIDs)+4)
	args = append(args, DetectionPlacement, r.medium, channelID)
	for _, id := range postIDs {
		args = append(args, id)
	}
	args = append(args, DetectionRemove)

	var out []DetectedPost
	err := r.gw.Query(ctx, q, args, func(rows *sql.Rows) error {
		out = out[:0]
		for rows.Next() {
			var p DetectedPost
			if err := rows.Scan(&p.PlacementID, &p.PostID, &p.CampaignName); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("placement detections on channel %s: %w", channelID, err)
	}
	return out, nil
}

// DetectedPlacements returns up to limit DETECTED placements whose campaign
// status is in campaignStatuses, most recent placement first.
func (r *Repository) DetectedPlacements(ctx context.Context, campaignStatuses []string, limit int) ([]TrackedPlacement, error) {
	if len(campaignStatuses) == 0 {
		campaignStatuses = []string{CampaignOnGoing, CampaignShot}
	}
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT p.id, c.name, m.external_id, m.handle
		FROM push_list p
		JOIN campaigns c ON c.id = p.campaign_id
		JOIN media m ON m.id = p.media_id
		WHERE p.status = ?
		  AND m.medium = ?
		  AND c.status IN (` + placeholders(len(campaignStatuses)) + `)
		ORDER BY p.id DESC
		LIMIT ?`
	args := make([]any, 0, len(campaignStatuses)+3)
	args = append(args, PlacementDetected, r.medium)
	for _, s := range campaignStatuses {
		args = append(args, s)
	}
	args = append(args, limit)

	var out []TrackedPlacement
	err := r.gw.Query(ctx, q, args, func(rows *sql.Rows) error {
		out = out[:0]
		for rows.Next() {
			var (
				p      TrackedPlacement
				handle sql.NullString
			)
			if err := rows.Scan(&p.PlacementID, &p.CampaignName, &p.ChannelID, &handle); err != nil {
				return err
			}
			p.Handle = handle.String
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("detected placements: %w", err)
	}
	return out, nil
}

// LatestPlacementDetection returns the observed post id of the newest
// PLACEMENT detection for the placement.
func (r *Repository) LatestPlacementDetection(ctx context.Context, placementID int64) (string, bool, error) {
	const q = `
		SELECT post_id FROM detections
		WHERE push_id = ? AND type = ?
		ORDER BY id DESC
		LIMIT 1`
	var (
		postID string
		found  bool
	)
	err := r.gw.Query(ctx, q, []any{placementID, DetectionPlacement}, func(rows *sql.Rows) error {
		found = false
		if rows.Next() {
			if err := rows.Scan(&postID); err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("latest detection for placement %d: %w", placementID, err)
	}
	return postID, found, nil
}

// AppendInsight inserts one engagement sample. Samples are never updated.
func (r *Repository) AppendInsight(ctx context.Context, in Insight) (int64, error) {
	return r.gw.Insert(ctx, TableInsightHistory, in.record())
}

// Insights returns the samples recorded for a placement, oldest first.
// RecordedAt is not populated.
func (r *Repository) Insights(ctx context.Context, placementID int64) ([]Insight, error) {
	const q = `SELECT id, push_id, views, shares FROM insight_history WHERE push_id = ? ORDER BY id`
	var out []Insight
	err := r.gw.Query(ctx, q, []any{placementID}, func(rows *sql.Rows) error {
		out = out[:0]
		for rows.Next() {
			var in Insight
			if err := rows.Scan(&in.ID, &in.PlacementID, &in.Views, &in.Shares); err != nil {
				return err
			}
			out = append(out, in)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insights for placement %d: %w", placementID, err)
	}
	return out, nil
}

// Detections returns the detections recorded for a placement, oldest first.
// ActionAt is not populated.
func (r *Repository) Detections(ctx context.Context, placementID int64) ([]Detection, error) {
	const q = `SELECT id, type, push_id, post_id, detected_by FROM detections WHERE push_id = ? ORDER BY id`
	var out []Detection
	err := r.gw.Query(ctx, q, []any{placementID}, func(rows *sql.Rows) error {
		out = out[:0]
		for rows.Next() {
			var d Detection
			if err := rows.Scan(&d.ID, &d.Type, &d.PlacementID, &d.PostID, &d.DetectedBy); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("detections for placement %d: %w", placementID, err)
	}
	return out, nil
}

// PlacementStatus returns the current status of a placement.
func (r *Repository) PlacementStatus(ctx context.Context, placementID int64) (string, error) {
	var (
		status string
		found  bool
	)
	err := r.gw.Query(ctx, `SELECT status FROM push_list WHERE id = ?`, []any{placementID}, func(rows *sql.Rows) error {
		found = false
		if rows.Next() {
			if err := rows.Scan(&status); err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("placement %d: %w", placementID, sql.ErrNoRows)
	}
	return status, nil
}
