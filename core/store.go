package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"chat-provider-hub/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	legacyConfigKey       = "legacy_config"
	legacyConfigBackupKey = "legacy_config_backup"
)

// OpenDatabase 打开 sqlite 并自动迁移表结构
func OpenDatabase(dsn string, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Infof("Database initialized: %s", dsn)
	return db, nil
}

// GormStore 基于 gorm 的 ConfigStore
type GormStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewGormStore(db *gorm.DB, logger *logrus.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// GetDB 返回底层连接 (事件日志与健康检查共用)
func (s *GormStore) GetDB() *gorm.DB {
	return s.db
}

func byPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// LoadProviders 按注册表顺序加载全部 Provider
func (s *GormStore) LoadProviders() ([]models.Provider, error) {
	var records []models.ProviderRecord
	err := s.db.
		Preload("Credentials", byPosition).
		Preload("Models", byPosition).
		Order("position ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	out := make([]models.Provider, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ToProvider())
	}
	return out, nil
}

// SaveProviders 在一个事务内整体替换
func (s *GormStore) SaveProviders(providers []models.Provider) error {
	records := make([]models.ProviderRecord, 0, len(providers))
	var creds []models.CredentialRecord
	var modelRows []models.ModelRecord
	for i := range providers {
		rec := models.NewProviderRecord(&providers[i], i)
		creds = append(creds, rec.Credentials...)
		modelRows = append(modelRows, rec.Models...)
		records = append(records, rec)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		// 子表先删
		if err := tx.Where("1 = 1").Delete(&models.ModelRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.CredentialRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.ProviderRecord{}).Error; err != nil {
			return err
		}

		if len(records) == 0 {
			return nil
		}
		if err := tx.Omit(clause.Associations).Create(&records).Error; err != nil {
			return fmt.Errorf("insert providers: %w", err)
		}
		if len(creds) > 0 {
			if err := tx.Create(&creds).Error; err != nil {
				return fmt.Errorf("insert credentials: %w", err)
			}
		}
		if len(modelRows) > 0 {
			if err := tx.Create(&modelRows).Error; err != nil {
				return fmt.Errorf("insert models: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) getKV(key string) (*models.KVEntry, error) {
	var entry models.KVEntry
	err := s.db.Where(&models.KVEntry{Key: key}).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) putKV(key, value string) error {
	return s.db.Save(&models.KVEntry{Key: key, Value: value}).Error
}

// LoadLegacyConfig 没有旧版配置时返回 (nil, nil)
func (s *GormStore) LoadLegacyConfig() (*models.LegacyConfig, error) {
	entry, err := s.getKV(legacyConfigKey)
	if err != nil {
		return nil, fmt.Errorf("read legacy config: %w", err)
	}
	if entry == nil || entry.Value == "" {
		return nil, nil
	}
	cfg, err := models.ParseLegacyConfig([]byte(entry.Value))
	if err != nil {
		return nil, fmt.Errorf("parse legacy config: %w", err)
	}
	return cfg, nil
}

// SaveLegacyConfig 写入旧版配置 blob
func (s *GormStore) SaveLegacyConfig(raw []byte) error {
	if _, err := models.ParseLegacyConfig(raw); err != nil {
		return fmt.Errorf("parse legacy config: %w", err)
	}
	return s.putKV(legacyConfigKey, string(raw))
}

// BackupLegacyConfig 原样保存迁移前的 blob
func (s *GormStore) BackupLegacyConfig(cfg *models.LegacyConfig) error {
	raw := []byte(cfg.Raw)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(cfg); err != nil {
			return err
		}
	}
	if err := s.putKV(legacyConfigBackupKey, string(raw)); err != nil {
		return err
	}
	s.logger.Infof("Legacy config backed up under %q (%d bytes)", legacyConfigBackupKey, len(raw))
	return nil
}

// LegacyBackup 读取备份，没有时返回 nil
func (s *GormStore) LegacyBackup() ([]byte, error) {
	entry, err := s.getKV(legacyConfigBackupKey)
	if err != nil || entry == nil {
		return nil, err
	}
	return []byte(entry.Value), nil
}

// ImportLegacyFile 从旧版 JSON 设置文件导入，已存在旧版配置或文件不存在时跳过
func (s *GormStore) ImportLegacyFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	existing, err := s.getKV(legacyConfigKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read legacy file: %w", err)
	}
	if err := s.SaveLegacyConfig(raw); err != nil {
		return false, err
	}
	s.logger.Infof("Imported legacy settings from %s", path)
	return true, nil
}
