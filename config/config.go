package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/joho/godotenv"
)

// DefaultHolidaySourceURL is the myhora Thai holiday feed; %d is the Buddhist-era year.
const DefaultHolidaySourceURL = "https://www.myhora.com/calendar/ical/holiday.aspx?%d.json"

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// JWT
	JWTSecret    string
	JWTExpiresIn time.Duration

	// AWS S3
	AWSRegion    string
	S3BucketName string

	// Server
	Port        string
	AppEnv      string
	MaxBodySize int64

	// Logging
	LogLevel string
	LogFile  string

	// Scheduling
	ScheduleTimezone       string
	GenerationHorizonYears int
	RescheduleWorkers      int
	RescheduleCron         string
	HolidaySourceURL       string
	BookingLockTTL         time.Duration
	ArchiveReports         bool

	// Feature Toggles
	SkipMigrate bool
}

func (c *Config) GetDSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?charset=utf8mb4&parseTime=True&loc=Local"
}

// Location is the timezone calendar dates are interpreted in. Falls back to UTC+7.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.FixedZone("ICT", 7*60*60)
	}
	return loc
}

var AppConfig *Config

func LoadConfig() {
	useSSM := getEnv("USE_SSM", "false") == "true"

	var paramMap map[string]string

	// Stage & base path for SSM (allows multi-env without code changes)
	basePath := getEnv("SSM_BASE_PATH", "/englishkorat-scheduler")
	stage := getEnv("STAGE", getEnv("APP_ENV", "production"))
	basePath = strings.TrimRight(basePath, "/")
	prefix := basePath + "/" + stage

	if useSSM {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(getEnv("AWS_REGION", "ap-southeast-1"))})
		if err != nil {
			log.Fatal("Failed to create AWS session:", err)
		}
		log.Printf("Using AWS SSM Parameter Store (prefix=%s)", prefix)
		paramMap = fetchSSMParameters(ssm.New(sess), prefix)
	} else {
		if err := godotenv.Load(); err != nil {
			log.Println("Warning: .env file not found, using environment variables")
		}
	}

	getVal := lookup(paramMap)

	jwtExpires, err := ParseDurationShorthand(getVal("JWT_EXPIRES_IN", "24h"))
	if err != nil {
		log.Fatal("Invalid JWT_EXPIRES_IN format:", err)
	}

	lockTTL, err := ParseDurationShorthand(getVal("BOOKING_LOCK_TTL", "10s"))
	if err != nil {
		log.Fatal("Invalid BOOKING_LOCK_TTL format:", err)
	}

	maxBodySize, err := strconv.ParseInt(getVal("MAX_BODY_SIZE", "10485760"), 10, 64)
	if err != nil {
		log.Fatal("Invalid MAX_BODY_SIZE format:", err)
	}

	AppConfig = &Config{
		DBHost:     getVal("DB_HOST", "localhost"),
		DBPort:     getVal("DB_PORT", "3306"),
		DBUser:     getVal("DB_USER", "root"),
		DBPassword: getVal("DB_PASSWORD", ""),
		DBName:     getVal("DB_NAME", "englishkorat_scheduler"),

		RedisHost:     getVal("REDIS_HOST", "localhost"),
		RedisPort:     getVal("REDIS_PORT", "6379"),
		RedisPassword: getVal("REDIS_PASSWORD", ""),

		JWTSecret:    getVal("JWT_SECRET", "your_super_secret_jwt_key"),
		JWTExpiresIn: jwtExpires,

		AWSRegion:    getVal("AWS_REGION", "ap-southeast-1"),
		S3BucketName: getVal("S3_BUCKET_NAME", "englishkorat-storage"),

		Port:        getVal("PORT", "3000"),
		AppEnv:      getVal("APP_ENV", "development"),
		MaxBodySize: maxBodySize,

		LogLevel: getVal("LOG_LEVEL", "info"),
		LogFile:  getVal("LOG_FILE", "logs/app.log"),

		ScheduleTimezone:       getVal("SCHEDULE_TIMEZONE", "Asia/Bangkok"),
		GenerationHorizonYears: getInt(getVal, "GENERATION_HORIZON_YEARS", 10),
		RescheduleWorkers:      getInt(getVal, "RESCHEDULE_WORKERS", 1),
		RescheduleCron:         getVal("RESCHEDULE_CRON", "0 2 * * *"),
		HolidaySourceURL:       getVal("HOLIDAY_SOURCE_URL", DefaultHolidaySourceURL),
		BookingLockTTL:         lockTTL,
		ArchiveReports:         strings.ToLower(getVal("ARCHIVE_REPORTS", "true")) == "true",

		SkipMigrate: strings.ToLower(getVal("SKIP_MIGRATE", "false")) == "true",
	}

	validateConfig(AppConfig, useSSM)
}

// lookup reads from the SSM map first (keys stored uppercase) then the environment.
func lookup(paramMap map[string]string) func(key, def string) string {
	return func(key, def string) string {
		uk := strings.ToUpper(key)
		if v, ok := paramMap[uk]; ok && v != "" {
			return v
		}
		return getEnv(uk, def)
	}
}

func getInt(getVal func(key, def string) string, key string, def int) int {
	raw := getVal(key, strconv.Itoa(def))
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return n
}

// ParseDurationShorthand is time.ParseDuration plus "7d" and "2w".
func ParseDurationShorthand(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err == nil {
		return d, nil
	}
	s := strings.TrimSpace(strings.ToLower(value))
	if len(s) > 1 {
		unit := s[len(s)-1]
		if n, convErr := strconv.Atoi(s[:len(s)-1]); convErr == nil {
			switch unit {
			case 'd':
				return time.Duration(n) * 24 * time.Hour, nil
			case 'w':
				return time.Duration(n*7) * 24 * time.Hour, nil
			}
		}
	}
	return 0, fmt.Errorf("invalid duration %q: %w", value, err)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// fetchSSMParameters reads all parameters under prefix (non-recursive expected) and returns map with UPPERCASE keys.
func fetchSSMParameters(client *ssm.SSM, prefix string) map[string]string {
	out := make(map[string]string)
	next := aws.String("")
	for {
		in := &ssm.GetParametersByPathInput{
			Path:           aws.String(prefix),
			WithDecryption: aws.Bool(true),
			Recursive:      aws.Bool(true),
		}
		if *next != "" {
			in.NextToken = next
		}
		resp, err := client.GetParametersByPath(in)
		if err != nil {
			log.Printf("Warning: unable to fetch SSM parameters for prefix %s: %v", prefix, err)
			break
		}
		for _, p := range resp.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			key := ssmKey(*p.Name)
			if key == "" {
				continue
			}
			out[key] = *p.Value
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		next = resp.NextToken
	}
	return out
}

// ssmKey keeps the last path segment, uppercased.
func ssmKey(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.ToUpper(name)
}

func validateConfig(c *Config, usedSSM bool) {
	if c.RescheduleWorkers < 1 {
		c.RescheduleWorkers = 1
	}
	if c.GenerationHorizonYears < 1 {
		c.GenerationHorizonYears = 10
	}

	// Only enforce stricter rules in production
	if strings.ToLower(c.AppEnv) != "production" {
		return
	}
	// Required secrets
	required := map[string]string{
		"DB_PASSWORD": c.DBPassword,
		"JWT_SECRET":  c.JWTSecret,
	}
	for k, v := range required {
		if strings.TrimSpace(v) == "" {
			log.Fatalf("Missing required secret %s in production (SSM=%v)", k, usedSSM)
		}
	}
	if len(c.JWTSecret) < 16 {
		log.Fatal("JWT_SECRET too short (min 16 chars)")
	}
}
