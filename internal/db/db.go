package db

import (
	"fmt"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverSQLite, "":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// Connect 建立数据库连接，并带有简单的重试来等待容器就绪。
// SQLite 只允许单连接，避免内存库在多连接间不可见以及写锁冲突。
func Connect(driver, dsn string) (*gorm.DB, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	attempts := 10
	if driver != DriverPostgres {
		attempts = 1
	}
	var gdb *gorm.DB
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if driver == DriverPostgres {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
				} else {
					sqlDB.SetMaxOpenConns(1)
					sqlDB.SetMaxIdleConns(1)
					sqlDB.SetConnMaxLifetime(0)
				}
				return gdb, nil
			}
			err = err2
		}
		if i+1 < attempts {
			time.Sleep(time.Duration(500+i*200) * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("connect %s: %w", driver, err)
}

// Migrate 迁移账号相关的表结构，文档表由 gormstore 自行迁移。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Account{}, &models.RefreshToken{})
}
