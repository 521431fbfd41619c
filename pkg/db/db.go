package db

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"quantflow/internal/model/entity"
	"quantflow/pkg/logger"
)

var (
	DB   *gorm.DB
	once sync.Once
)

type Config struct {
	User     string
	Password string
	Host     string
	Port     string
	DBName   string
}

func (cfg Config) DSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
	)
}

// Init 建立mysql连接并迁移表结构，进程内只执行一次
func Init(cfg Config) (*gorm.DB, error) {
	var initErr error
	once.Do(func() {
		DB, initErr = gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if initErr != nil {
			return
		}

		sqlDB, err := DB.DB()
		if err != nil {
			initErr = err
			return
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)

		if err := DB.AutoMigrate(&entity.OrderRecord{}); err != nil {
			initErr = err
			return
		}
		logger.Info("mysql连接已建立", logger.Pair("db", cfg.DBName))
	})
	return DB, initErr
}
