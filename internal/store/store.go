// Package store keeps records of built images and running VMs in a local
// sqlite database so artifacts survive daemon restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// ImageRecord describes one built image and where its artifacts live.
type ImageRecord struct {
	ID         string
	Digest     string
	Source     string
	RootfsPath string
	InitrdPath string
	KernelPath string
	CreatedAt  time.Time
}

// VMRecord describes one launched Firecracker VM.
type VMRecord struct {
	ID         string
	ImageID    string
	Pid        int
	SocketPath string
	CreatedAt  time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertImage(ctx context.Context, record *ImageRecord) error {
	query := `
		INSERT INTO images (id, digest, source, rootfs_path, initrd_path, kernel_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.Digest, record.Source,
		record.RootfsPath, record.InitrdPath, record.KernelPath, now)
	if err != nil {
		return fmt.Errorf("insert image record: %w", err)
	}

	record.CreatedAt = time.Unix(now, 0)
	return nil
}

func (s *Store) GetImage(ctx context.Context, id string) (*ImageRecord, error) {
	query := `SELECT id, digest, source, rootfs_path, initrd_path, kernel_path, created_at FROM images WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var createdAt int64
	record := &ImageRecord{}
	err := row.Scan(&record.ID, &record.Digest, &record.Source,
		&record.RootfsPath, &record.InitrdPath, &record.KernelPath, &createdAt)
	if err != nil {
		return nil, err
	}

	record.CreatedAt = time.Unix(createdAt, 0)
	return record, nil
}

// FindImageByDigest returns the newest image built from the given source
// digest, or sql.ErrNoRows if none exists.
func (s *Store) FindImageByDigest(ctx context.Context, digest string) (*ImageRecord, error) {
	query := `SELECT id, digest, source, rootfs_path, initrd_path, kernel_path, created_at FROM images WHERE digest = ? ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, digest)

	var createdAt int64
	record := &ImageRecord{}
	err := row.Scan(&record.ID, &record.Digest, &record.Source,
		&record.RootfsPath, &record.InitrdPath, &record.KernelPath, &createdAt)
	if err != nil {
		return nil, err
	}

	record.CreatedAt = time.Unix(createdAt, 0)
	return record, nil
}

func (s *Store) ListImages(ctx context.Context) ([]*ImageRecord, error) {
	query := `SELECT id, digest, source, rootfs_path, initrd_path, kernel_path, created_at FROM images ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ImageRecord
	for rows.Next() {
		var createdAt int64
		record := &ImageRecord{}
		if err := rows.Scan(&record.ID, &record.Digest, &record.Source,
			&record.RootfsPath, &record.InitrdPath, &record.KernelPath, &createdAt); err != nil {
			return nil, err
		}
		record.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, record)
	}

	return records, rows.Err()
}

func (s *Store) InsertVM(ctx context.Context, record *VMRecord) error {
	query := `
		INSERT INTO vms (id, image_id, pid, socket_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.ImageID, record.Pid, record.SocketPath, now)
	if err != nil {
		return fmt.Errorf("insert vm record: %w", err)
	}

	record.CreatedAt = time.Unix(now, 0)
	return nil
}

func (s *Store) DeleteVM(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id)
	return err
}

func (s *Store) ListVMs(ctx context.Context) ([]*VMRecord, error) {
	query := `SELECT id, image_id, pid, socket_path, created_at FROM vms ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*VMRecord
	for rows.Next() {
		var createdAt int64
		record := &VMRecord{}
		if err := rows.Scan(&record.ID, &record.ImageID, &record.Pid,
			&record.SocketPath, &createdAt); err != nil {
			return nil, err
		}
		record.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, record)
	}

	return records, rows.Err()
}
