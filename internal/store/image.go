package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Image is one pulled image as recorded in the local index.
type Image struct {
	ID             string // record id (uuid)
	Reference      string // normalized reference, e.g. "registry-1.docker.io/library/alpine:latest"
	ManifestDigest string // digest of the normalized manifest
	Architecture   string
	RootfsPath     string
	SizeBytes      int64
	PulledAt       time.Time
}

// RecordPull upserts the record for a reference. Re-pulling the same
// reference replaces the previous row.
func RecordPull(ctx context.Context, db *sql.DB, img *Image) error {
	const query = `
		INSERT INTO images (id, reference, manifest_digest, architecture, rootfs_path, size_bytes, pulled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET
			manifest_digest = excluded.manifest_digest,
			architecture    = excluded.architecture,
			rootfs_path     = excluded.rootfs_path,
			size_bytes      = excluded.size_bytes,
			pulled_at       = excluded.pulled_at`

	_, err := db.ExecContext(ctx, query,
		img.ID, img.Reference, img.ManifestDigest, img.Architecture,
		img.RootfsPath, img.SizeBytes, img.PulledAt)
	if err != nil {
		return fmt.Errorf("record pull of %s: %w", img.Reference, err)
	}
	return nil
}

// ListImages returns every recorded image, most recently pulled first.
func ListImages(ctx context.Context, db *sql.DB) ([]Image, error) {
	const query = `
		SELECT id, reference, manifest_digest, architecture, rootfs_path, size_bytes, pulled_at
		FROM images ORDER BY pulled_at DESC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.Reference, &img.ManifestDigest,
			&img.Architecture, &img.RootfsPath, &img.SizeBytes, &img.PulledAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// GetImage looks up one record by its normalized reference.
func GetImage(ctx context.Context, db *sql.DB, reference string) (*Image, error) {
	const query = `
		SELECT id, reference, manifest_digest, architecture, rootfs_path, size_bytes, pulled_at
		FROM images WHERE reference = ?`

	var img Image
	err := db.QueryRowContext(ctx, query, reference).Scan(
		&img.ID, &img.Reference, &img.ManifestDigest, &img.Architecture,
		&img.RootfsPath, &img.SizeBytes, &img.PulledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", reference, err)
	}
	return &img, nil
}

// DeleteImage removes the record for a reference. It does not touch blobs
// or the rootfs; eviction of content is the caller's decision.
func DeleteImage(ctx context.Context, db *sql.DB, reference string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM images WHERE reference = ?`, reference); err != nil {
		return fmt.Errorf("delete image %s: %w", reference, err)
	}
	return nil
}
