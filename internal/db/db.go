package db

import (
	"time"

	"matcha/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	return ConnectWithRetry(dsn, 10)
}

// ConnectWithRetry 与 Connect 相同，但允许调用方（例如测试）控制重试次数。
func ConnectWithRetry(dsn string, attempts int) (*gorm.DB, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var gdb *gorm.DB
	var err error
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(500+i*200) * time.Millisecond)
		}
	}
	return nil, err
}

// Migrate 自动迁移实时核心涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Like{},
		&models.Dislike{},
		&models.Match{},
		&models.Conversation{},
		&models.Message{},
		&models.Notification{},
		&models.DateProposal{},
		&models.RefreshToken{},
	)
}
