package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"form-gateway/middleware/ratelimit/domain"
)

// snapshotRow guarda o snapshot inteiro como JSON numa única linha por nome.
type snapshotRow struct {
	Name      string `gorm:"primaryKey"`
	Data      string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (snapshotRow) TableName() string { return "rate_limit_snapshots" }

// SQLStore persiste o snapshot em SQLite via gorm.
//
// A serialização entre processos vem do próprio SQLite: cada transação começa
// com BEGIN IMMEDIATE (lock de escrita já na leitura) e espera até o busy timeout.
type SQLStore struct {
	db     *gorm.DB
	name   string
	logger *zap.Logger
}

type SQLStoreOption func(*SQLStore)

// WithSnapshotName permite vários limiters na mesma tabela (padrão "default").
func WithSnapshotName(name string) SQLStoreOption {
	return func(s *SQLStore) { s.name = name }
}

func WithSQLLogger(l *zap.Logger) SQLStoreOption {
	return func(s *SQLStore) { s.logger = l }
}

// SQLiteDSN monta o DSN do go-sqlite3 com transações IMMEDIATE e busy timeout.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d", path, busyTimeout.Milliseconds())
}

// OpenSQLiteStore abre (ou cria) o banco em path.
func OpenSQLiteStore(path string, busyTimeout time.Duration, opts ...SQLStoreOption) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(SQLiteDSN(path, busyTimeout)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", domain.ErrStorageUnavailable, err)
	}
	return NewSQLStore(db, opts...)
}

func NewSQLStore(db *gorm.DB, opts ...SQLStoreOption) (*SQLStore, error) {
	s := &SQLStore{db: db, name: "default", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrStorageUnavailable, err)
	}
	return s, nil
}

// WithExclusiveAccess implementa domain.WindowStore.
func (s *SQLStore) WithExclusiveAccess(ctx context.Context, fn func(domain.Snapshot) domain.Snapshot) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row snapshotRow
		err := tx.Where("name = ?", s.name).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = snapshotRow{Name: s.name}
		case err != nil:
			return err
		}

		snap, corrupt := decodeSnapshot([]byte(row.Data))
		if corrupt {
			s.logger.Warn("rate limit state is corrupt, starting from empty snapshot",
				zap.String("snapshot", s.name))
		}

		data, err := encodeSnapshot(fn(snap))
		if err != nil {
			return err
		}
		row.Data = string(data)
		row.UpdatedAt = time.Now()

		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w: %w", domain.ErrStorageUnavailable, domain.ErrLockTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}

// Close fecha o pool de conexões por baixo do gorm.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
