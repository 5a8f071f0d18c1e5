package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"englishkorat_scheduler/config"
	"englishkorat_scheduler/controllers"
	"englishkorat_scheduler/database"
	"englishkorat_scheduler/database/seeders"
	"englishkorat_scheduler/middleware"
	"englishkorat_scheduler/routes"
	"englishkorat_scheduler/services"
	"englishkorat_scheduler/storage"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	seed := flag.Bool("seed", false, "seed branches and rooms, then exit")
	flag.Parse()
	started := time.Now()
	config.LoadConfig()
	setupLogging(config.AppConfig)

	database.Connect()
	defer database.Close()

	if *seed {
		if err := seeders.SeedAll(database.DB); err != nil {
			logrus.WithError(err).Fatal("Seeding failed")
		}
		return
	}

	cfg := config.AppConfig
	loc := cfg.Location()
	metrics := services.NewMetrics()

	store := services.NewScheduleStore(database.DB, loc)
	locker := services.NewBookingLocker(database.GetRedisClient())

	var archive services.ReportArchiver
	if cfg.ArchiveReports {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		reportArchive, err := storage.NewReportArchive(ctx, cfg.AWSRegion, cfg.S3BucketName)
		cancel()
		if err != nil {
			logrus.WithError(err).Warn("Report archive disabled")
		} else {
			archive = reportArchive
		}
	}

	booking := services.NewBookingService(database.DB, store, locker, loc, cfg.BookingLockTTL, metrics)
	reschedule := services.NewRescheduleService(database.DB, store, locker, archive, metrics, services.RescheduleConfig{
		Workers:      cfg.RescheduleWorkers,
		HorizonYears: cfg.GenerationHorizonYears,
	})

	holidays := services.NewHolidayService(database.DB, cfg.HolidaySourceURL)
	// วันหยุดเปลี่ยน -> จัดตารางใหม่ทั้งหมด
	holidays.OnChange(func(reason string) {
		logrus.WithField("reason", reason).Info("Holidays changed, rescheduling classes")
		go reschedule.Trigger(context.Background(), services.TriggerHoliday)
	})

	scheduleManager, err := services.NewScheduleManager(cfg.RescheduleCron, loc, holidays, reschedule)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid RESCHEDULE_CRON")
	}
	scheduleManager.Start()

	healthService := services.NewHealthService(database.DB, database.GetRedisClient(), cfg, version)
	healthService.SetStartTime(started)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(cfg.MaxBodySize),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(middleware.LoggerMiddleware(metrics))

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	routes.SetupRoutes(app, routes.Controllers{
		Health:   controllers.NewHealthController(healthService),
		Schedule: controllers.NewScheduleController(booking, reschedule),
		Trial:    controllers.NewTrialController(booking),
		Holiday:  controllers.NewHolidayController(holidays, loc),
		Room:     controllers.NewRoomController(booking),
	})

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "Route not found",
			"path":   c.Path(),
			"method": c.Method(),
		})
	})

	go func() {
		logrus.WithFields(logrus.Fields{
			"port":     cfg.Port,
			"env":      cfg.AppEnv,
			"timezone": loc.String(),
			"version":  version,
		}).Info("Scheduler API starting")
		if err := app.Listen(":" + cfg.Port); err != nil {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down")
	scheduleManager.Stop()
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		logrus.WithError(err).Warn("Server shutdown incomplete")
	}
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// development logs to stdout only
	if cfg.AppEnv == "development" || cfg.LogFile == "" {
		logrus.SetOutput(os.Stdout)
		return
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		log.Printf("Warning: Could not create log directory: %v", err)
		return
	}
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("Warning: Could not open log file: %v", err)
		return
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, file))
}

// customErrorHandler handles application errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	logrus.WithFields(logrus.Fields{
		"error":  err.Error(),
		"path":   c.Path(),
		"method": c.Method(),
		"ip":     c.IP(),
		"status": code,
	}).Error("Request error")

	return c.Status(code).JSON(fiber.Map{
		"error":  message,
		"code":   code,
		"path":   c.Path(),
		"method": c.Method(),
	})
}
