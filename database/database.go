package database

import (
	"context"
	"fmt"
	"time"

	"englishkorat_scheduler/config"
	"englishkorat_scheduler/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB
var RedisClient *redis.Client

// Connect initializes the database and Redis connections
func Connect() {
	connectDatabase()
	connectRedis()
}

// connectDatabase initializes the database connection
func connectDatabase() {
	var err error
	dsn := config.AppConfig.GetDSN()

	// Configure GORM logger based on environment
	var gormLogger logger.Interface
	if config.AppConfig.AppEnv == "development" {
		gormLogger = logger.Default.LogMode(logger.Info)
	} else {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	// Retry logic for transient tunnel issues
	var lastErr error
	for attempt := 1; attempt <= 8; attempt++ {
		DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
		if err == nil {
			break
		}
		lastErr = err
		logrus.WithField("attempt", attempt).WithError(err).Warn("Database connect attempt failed")
		time.Sleep(time.Duration(attempt*attempt) * 300 * time.Millisecond)
	}
	if lastErr != nil && DB == nil {
		logrus.WithError(lastErr).Fatal("Failed to connect to database after retries")
	}

	logrus.Info("Database connected successfully")

	sqlDB, err := DB.DB()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to get database instance")
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(55 * time.Minute)

	if config.AppConfig.SkipMigrate {
		logrus.Info("SKIP_MIGRATE=true, skipping auto migration")
		return
	}
	if err := AutoMigrate(DB); err != nil {
		logrus.WithError(err).Fatal("Auto migration failed")
	}
	logrus.Info("Database migration completed successfully")
}

// AutoMigrate creates or updates every scheduling table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Branch{},
		&models.Room{},
		&models.Holiday{},
		&models.HolidayBranch{},
		&models.Schedules{},
		&models.Schedule_Sessions{},
		&models.TrialSession{},
		&models.RescheduleRun{},
	)
}

// connectRedis initializes Redis connection
func connectRedis() {
	RedisClient = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.AppConfig.RedisHost, config.AppConfig.RedisPort),
		Password: config.AppConfig.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := RedisClient.Ping(ctx).Result(); err != nil {
		logrus.WithError(err).Warn("Redis connection failed, booking locks fall back to in-process locking")
		RedisClient = nil
		return
	}

	logrus.Info("Redis connected successfully")
}

// GetRedisClient returns the Redis client instance (nil when Redis is unavailable)
func GetRedisClient() *redis.Client {
	return RedisClient
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database and Redis connections
func Close() {
	if RedisClient != nil {
		if err := RedisClient.Close(); err != nil {
			logrus.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if DB == nil {
		return
	}
	sqlDB, err := DB.DB()
	if err != nil {
		logrus.WithError(err).Warn("Error getting database instance")
		return
	}
	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Warn("Error closing database connection")
		return
	}
	logrus.Info("Database connection closed")
}
