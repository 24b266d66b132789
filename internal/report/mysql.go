package report

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type MySQLSink struct {
	db *gorm.DB
}

// OpenMySQL connects with a go-sql-driver style DSN and migrates the runs
// table.
func OpenMySQL(dsn string) (*MySQLSink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	if err := db.AutoMigrate(&Run{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("mysql migrate: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

func (s *MySQLSink) Record(ctx context.Context, r Run) error {
	r.ID = 0
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("mysql insert: %w", err)
	}
	return nil
}

func (s *MySQLSink) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Run
	if err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("mysql query: %w", err)
	}
	return out, nil
}

func (s *MySQLSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
