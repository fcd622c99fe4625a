package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertChunk persists an accepted upload in the QUEUED state. The blob file
// must already be on disk at c.FilePath; the caller removes it if the insert
// fails.
func (s *Store) InsertChunk(ctx context.Context, c *Chunk) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO audio_chunks
			(chunk_id, device_id, point_id, register_id, start_ts, end_ts,
			 duration_sec, codec, sample_rate, channels, file_path, file_size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ChunkID, c.DeviceID, c.PointID, c.RegisterID, c.StartTS, c.EndTS,
		c.DurationSec, c.Codec, c.SampleRate, c.Channels, c.FilePath,
		c.FileSizeBytes, ChunkQueued,
	); err != nil {
		return fmt.Errorf("store: insert chunk: %w", err)
	}
	return nil
}

// GetChunk fetches one chunk row. Returns [ErrNotFound] for unknown ids.
func (s *Store) GetChunk(ctx context.Context, chunkID uuid.UUID) (*Chunk, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT chunk_id, device_id, point_id, register_id, start_ts, end_ts,
		       duration_sec, codec, sample_rate, channels, file_path,
		       file_size_bytes, status, created_at
		FROM audio_chunks
		WHERE chunk_id = $1`,
		chunkID,
	)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get chunk: %w", err)
	}
	return c, nil
}

// DeleteChunk removes a chunk row and returns its blob path so the caller
// can remove the file. Returns [ErrNotFound] for unknown ids.
func (s *Store) DeleteChunk(ctx context.Context, chunkID uuid.UUID) (filePath string, err error) {
	err = s.pool.QueryRow(ctx, `
		DELETE FROM audio_chunks WHERE chunk_id = $1 RETURNING file_path`,
		chunkID,
	).Scan(&filePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: delete chunk: %w", err)
	}
	return filePath, nil
}

// ClaimChunks claims up to batch QUEUED chunks for VAD processing. The claim
// happens in one transaction: rows are selected oldest-first with
// FOR UPDATE SKIP LOCKED, then flipped to PROCESSING with
// processing_started_at stamped. Concurrent workers never claim the same row.
func (s *Store) ClaimChunks(ctx context.Context, batch int) ([]Chunk, error) {
	var chunks []Chunk
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT chunk_id, device_id, point_id, register_id, start_ts, end_ts,
			       duration_sec, codec, sample_rate, channels, file_path,
			       file_size_bytes, status, created_at
			FROM audio_chunks
			WHERE status = 'QUEUED'
			ORDER BY start_ts ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			batch,
		)
		if err != nil {
			return fmt.Errorf("select queued: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				return fmt.Errorf("scan chunk: %w", err)
			}
			chunks = append(chunks, *c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(chunks) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ChunkID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE audio_chunks
			SET status = 'PROCESSING', processing_started_at = now()
			WHERE chunk_id = ANY($1)`,
			ids,
		); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim chunks: %w", err)
	}
	return chunks, nil
}

// FailChunk marks a chunk ERROR with a truncated message and clears the
// processing stamp.
func (s *Store) FailChunk(ctx context.Context, chunkID uuid.UUID, cause error) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE audio_chunks
		SET status = 'ERROR', error_message = $2, processing_started_at = NULL
		WHERE chunk_id = $1`,
		chunkID, truncateError(cause),
	); err != nil {
		return fmt.Errorf("store: fail chunk: %w", err)
	}
	return nil
}

// RequeueStuckChunks returns PROCESSING chunks older than timeout to the
// queue and reports how many were requeued.
func (s *Store) RequeueStuckChunks(ctx context.Context, timeout time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audio_chunks
		SET status = 'QUEUED', processing_started_at = NULL
		WHERE status = 'PROCESSING'
		  AND processing_started_at < now() - make_interval(secs => $1)`,
		timeout.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stuck chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanChunk(row pgx.Row) (*Chunk, error) {
	var c Chunk
	if err := row.Scan(
		&c.ChunkID, &c.DeviceID, &c.PointID, &c.RegisterID, &c.StartTS, &c.EndTS,
		&c.DurationSec, &c.Codec, &c.SampleRate, &c.Channels, &c.FilePath,
		&c.FileSizeBytes, &c.Status, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}
