package catalog

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/catalog/types"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// BackupModel is the MySQL row for a BackupRecord
type BackupModel struct {
	ID                string                  `gorm:"primaryKey;type:varchar(255)"`
	CreatedAt         time.Time               `gorm:"not null;index"`
	CompletedAt       *time.Time
	Kind              string                  `gorm:"type:varchar(20);not null;index"`
	Server            string                  `gorm:"type:varchar(255)"`
	DatabaseType      string                  `gorm:"type:varchar(50)"`
	DatabaseName      string                  `gorm:"column:database_name;type:varchar(255);index"`
	Size              int64
	CompressedSize    *int64
	ArtifactSize      int64
	Compression       string                  `gorm:"type:varchar(20)"`
	ChecksumAlgorithm string                  `gorm:"type:varchar(20)"`
	ChecksumDigest    string                  `gorm:"type:varchar(128)"`
	Encrypted         bool                    `gorm:"not null;default:false"`
	KeyID             string                  `gorm:"type:varchar(64)"`
	Locations         []types.StorageLocation `gorm:"serializer:json;type:text"`
	DurationMs        int64
	Status            string                  `gorm:"type:varchar(20);not null;index"`
	Stage             string                  `gorm:"type:varchar(50)"`
	FailedStage       string                  `gorm:"type:varchar(50)"`
	ErrorMessage      string                  `gorm:"type:text"`
	ExpiresAt         *time.Time              `gorm:"index"`
	SchemaVersion     string                  `gorm:"type:varchar(20)"`
	Tags              map[string]string       `gorm:"serializer:json;type:text"`
	LegalHold         bool                    `gorm:"not null;default:false;index"`
	Verification      string                  `gorm:"type:varchar(20)"`
	VerifiedAt        *time.Time
}

// TableName specifies the table name for the BackupModel
func (BackupModel) TableName() string {
	return "backup_records"
}

// ArchiveModel is the MySQL row for an ArchiveRecord
type ArchiveModel struct {
	ID                   string                `gorm:"primaryKey;type:varchar(255)"`
	OriginalID           string                `gorm:"type:varchar(255);not null;index"`
	Location             types.StorageLocation `gorm:"serializer:json;type:text"`
	SizeBefore           int64
	SizeAfter            int64
	RetrievalClass       string             `gorm:"type:varchar(20)"`
	CostEstimate         float64
	ArchivedAt           time.Time          `gorm:"not null"`
	PolicyID             string             `gorm:"type:varchar(255)"`
	Original             types.BackupRecord `gorm:"serializer:json;type:longtext"`
	RetrievalState       string             `gorm:"type:varchar(20);not null"`
	RetrievalRequestedAt *time.Time
	RetrievalReadyAt     *time.Time
	RetrievedAt          *time.Time
}

// TableName specifies the table name for the ArchiveModel
func (ArchiveModel) TableName() string {
	return "archive_records"
}

// DBStore implements the catalog on MySQL through gorm
type DBStore struct {
	db *gorm.DB
}

// NewDBStore wraps an open gorm connection
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

// OpenDBStore connects to the catalog database and runs migrations if enabled
func OpenDBStore(cfg config.CatalogDBConfig, debug bool) (*DBStore, error) {
	db, err := Connect(cfg, debug)
	if err != nil {
		return nil, drerrors.Environment("catalog database", err)
	}
	if cfg.AutoMigrate {
		log.Println("Running database migrations for catalog tables")
		if err := RunMigrations(db); err != nil {
			return nil, err
		}
	}
	return NewDBStore(db), nil
}

// Connect establishes a connection to the catalog database
func Connect(cfg config.CatalogDBConfig, debug bool) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.Printf("Warning: Invalid connection max lifetime '%s', using default 5m: %v",
				cfg.ConnMaxLifetime, err)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	log.Printf("Connected to catalog database at %s:%d", cfg.Host, cfg.Port)
	return db, nil
}

// RunMigrations creates the catalog tables if they don't exist
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&BackupModel{}, &ArchiveModel{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// Put inserts or replaces a record
func (s *DBStore) Put(rec types.BackupRecord) error {
	m := toBackupModel(rec)
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return drerrors.Transient("catalog", fmt.Errorf("failed to store backup %s: %w", rec.ID, err))
	}
	return nil
}

// Get returns a record by id
func (s *DBStore) Get(id string) (types.BackupRecord, error) {
	var m BackupModel
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return types.BackupRecord{}, notFound("backup", id, err)
	}
	return fromBackupModel(m), nil
}

// Update locks the row, applies fn and writes the result in one transaction
func (s *DBStore) Update(id string, fn func(rec *types.BackupRecord) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m BackupModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			return notFound("backup", id, err)
		}
		rec := fromBackupModel(m)
		if err := fn(&rec); err != nil {
			return err
		}
		updated := toBackupModel(rec)
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("failed to update backup %s: %w", id, err)
		}
		return nil
	})
}

// Delete removes a record
func (s *DBStore) Delete(id string) error {
	if err := s.db.Delete(&BackupModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", id, err)
	}
	return nil
}

// List pushes the column filters down to SQL and applies the rest in memory
func (s *DBStore) List(f types.Filter) ([]types.BackupRecord, error) {
	q := s.db.Model(&BackupModel{})
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Database != "" {
		q = q.Where("database_name = ?", f.Database)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}

	var models []BackupModel
	if err := q.Order("created_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, drerrors.Transient("catalog", fmt.Errorf("failed to list backups: %w", err))
	}

	out := make([]types.BackupRecord, 0, len(models))
	for _, m := range models {
		rec := fromBackupModel(m)
		if !f.Match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// PutArchive inserts or replaces an archive record
func (s *DBStore) PutArchive(a types.ArchiveRecord) error {
	m := toArchiveModel(a)
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to store archive %s: %w", a.ID, err)
	}
	return nil
}

// GetArchive returns an archive record by id
func (s *DBStore) GetArchive(id string) (types.ArchiveRecord, error) {
	var m ArchiveModel
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return types.ArchiveRecord{}, notFound("archive", id, err)
	}
	return fromArchiveModel(m), nil
}

// UpdateArchive locks and mutates an archive record
func (s *DBStore) UpdateArchive(id string, fn func(a *types.ArchiveRecord) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m ArchiveModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			return notFound("archive", id, err)
		}
		a := fromArchiveModel(m)
		if err := fn(&a); err != nil {
			return err
		}
		updated := toArchiveModel(a)
		return tx.Save(&updated).Error
	})
}

// ListArchives returns every archive record, most recently archived first
func (s *DBStore) ListArchives() ([]types.ArchiveRecord, error) {
	var models []ArchiveModel
	if err := s.db.Order("archived_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	out := make([]types.ArchiveRecord, 0, len(models))
	for _, m := range models {
		out = append(out, fromArchiveModel(m))
	}
	return out, nil
}

// ImportFrom copies every record from another store, typically the JSON
// catalog left behind before the database was enabled.
func (s *DBStore) ImportFrom(src types.Store) (int, error) {
	recs, err := src.List(types.Filter{})
	if err != nil {
		return 0, err
	}
	archives, err := src.ListArchives()
	if err != nil {
		return 0, err
	}

	migrated := 0
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, rec := range recs {
			m := toBackupModel(rec)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
				return fmt.Errorf("failed to import backup %s: %w", rec.ID, err)
			}
			migrated++
		}
		for _, a := range archives {
			m := toArchiveModel(a)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
				return fmt.Errorf("failed to import archive %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("Imported %d backup records into catalog database", migrated)
	return migrated, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, drerrors.ErrNotFound)
	}
	return drerrors.Transient("catalog", fmt.Errorf("failed to load %s %s: %w", kind, id, err))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func toBackupModel(r types.BackupRecord) BackupModel {
	return BackupModel{
		ID:                r.ID,
		CreatedAt:         r.CreatedAt,
		CompletedAt:       timePtr(r.CompletedAt),
		Kind:              string(r.Kind),
		Server:            r.Server,
		DatabaseType:      r.DatabaseType,
		DatabaseName:      r.Database,
		Size:              r.Size,
		CompressedSize:    r.CompressedSize,
		ArtifactSize:      r.ArtifactSize,
		Compression:       r.Compression,
		ChecksumAlgorithm: r.Checksum.Algorithm,
		ChecksumDigest:    r.Checksum.Digest,
		Encrypted:         r.Encrypted,
		KeyID:             r.KeyID,
		Locations:         r.Locations,
		DurationMs:        r.Duration.Milliseconds(),
		Status:            string(r.Status),
		Stage:             r.Stage,
		FailedStage:       r.FailedStage,
		ErrorMessage:      r.Error,
		ExpiresAt:         timePtr(r.ExpiresAt),
		SchemaVersion:     r.SchemaVersion,
		Tags:              r.Tags,
		LegalHold:         r.LegalHold,
		Verification:      string(r.Verification),
		VerifiedAt:        timePtr(r.VerifiedAt),
	}
}

func fromBackupModel(m BackupModel) types.BackupRecord {
	return types.BackupRecord{
		ID:             m.ID,
		CreatedAt:      m.CreatedAt,
		CompletedAt:    timeVal(m.CompletedAt),
		Kind:           types.Kind(m.Kind),
		Server:         m.Server,
		DatabaseType:   m.DatabaseType,
		Database:       m.DatabaseName,
		Size:           m.Size,
		CompressedSize: m.CompressedSize,
		ArtifactSize:   m.ArtifactSize,
		Compression:    m.Compression,
		Checksum:       types.Checksum{Algorithm: m.ChecksumAlgorithm, Digest: m.ChecksumDigest},
		Encrypted:      m.Encrypted,
		KeyID:          m.KeyID,
		Locations:      m.Locations,
		Duration:       time.Duration(m.DurationMs) * time.Millisecond,
		Status:         types.Status(m.Status),
		Stage:          m.Stage,
		FailedStage:    m.FailedStage,
		Error:          m.ErrorMessage,
		ExpiresAt:      timeVal(m.ExpiresAt),
		SchemaVersion:  m.SchemaVersion,
		Tags:           m.Tags,
		LegalHold:      m.LegalHold,
		Verification:   types.VerificationState(m.Verification),
		VerifiedAt:     timeVal(m.VerifiedAt),
	}
}

func toArchiveModel(a types.ArchiveRecord) ArchiveModel {
	return ArchiveModel{
		ID:                   a.ID,
		OriginalID:           a.OriginalID,
		Location:             a.Location,
		SizeBefore:           a.SizeBefore,
		SizeAfter:            a.SizeAfter,
		RetrievalClass:       string(a.RetrievalClass),
		CostEstimate:         a.CostEstimate,
		ArchivedAt:           a.ArchivedAt,
		PolicyID:             a.PolicyID,
		Original:             a.Original,
		RetrievalState:       string(a.RetrievalState),
		RetrievalRequestedAt: timePtr(a.RetrievalRequestedAt),
		RetrievalReadyAt:     timePtr(a.RetrievalReadyAt),
		RetrievedAt:          timePtr(a.RetrievedAt),
	}
}

func fromArchiveModel(m ArchiveModel) types.ArchiveRecord {
	return types.ArchiveRecord{
		ID:                   m.ID,
		OriginalID:           m.OriginalID,
		Location:             m.Location,
		SizeBefore:           m.SizeBefore,
		SizeAfter:            m.SizeAfter,
		RetrievalClass:       types.RetrievalClass(m.RetrievalClass),
		CostEstimate:         m.CostEstimate,
		ArchivedAt:           m.ArchivedAt,
		PolicyID:             m.PolicyID,
		Original:             m.Original,
		RetrievalState:       types.RetrievalState(m.RetrievalState),
		RetrievalRequestedAt: timeVal(m.RetrievalRequestedAt),
		RetrievalReadyAt:     timeVal(m.RetrievalReadyAt),
		RetrievedAt:          timeVal(m.RetrievedAt),
	}
}
