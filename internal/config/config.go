// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv  string
	AppAddr string

	DatabaseURL string
	StoreDriver string // postgres | memory

	RedisAddr     string
	RedisDB       int
	RedisPassword string

	QueueDriver            string // redis | memory
	QueuePrefix            string
	QueuePollInterval      time.Duration
	QueueVisibilityTimeout time.Duration

	DispatchBaseDelay    time.Duration
	DispatchPerItemDelay time.Duration
	DispatchMaxAttempts  int
	DispatchBackoffBase  time.Duration
	DispatchBackoffMax   time.Duration

	WorkerConcurrency int
	WorkerMetricsAddr string
	SendTimeout       time.Duration
	TemplateSelection string // first | random

	TrackingBaseURL   string
	SchedulerInterval time.Duration

	AMQPURL      string
	AMQPExchange string

	EmailProvider string // smtp | graph
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPSecurity  string // starttls | ssl | none
	GraphTokenURL string
	GraphBaseURL  string
}

func Load() (Config, error) {
	c := Config{}

	c.AppEnv = getEnv("APP_ENV", "development")
	c.AppAddr = getEnv("APP_ADDR", ":8080")

	c.DatabaseURL = getEnv("DATABASE_URL", databaseURLFromParts())
	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", "postgres"))

	c.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	c.RedisDB = getInt("REDIS_DB", 0)
	c.RedisPassword = getEnv("REDIS_PASSWORD", "")

	c.QueueDriver = strings.ToLower(getEnv("QUEUE_DRIVER", "redis"))
	c.QueuePrefix = getEnv("QUEUE_PREFIX", "dispatch")
	c.QueuePollInterval = getDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond)
	c.QueueVisibilityTimeout = getDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute)

	c.DispatchBaseDelay = getDuration("DISPATCH_BASE_DELAY", 0)
	c.DispatchPerItemDelay = getDuration("DISPATCH_PER_ITEM_DELAY", 3*time.Second)
	c.DispatchMaxAttempts = getInt("DISPATCH_MAX_ATTEMPTS", 3)
	c.DispatchBackoffBase = getDuration("DISPATCH_BACKOFF_BASE", 5*time.Second)
	c.DispatchBackoffMax = getDuration("DISPATCH_BACKOFF_MAX", 5*time.Minute)

	c.WorkerConcurrency = getInt("WORKER_CONCURRENCY", 5)
	c.WorkerMetricsAddr = getEnv("WORKER_METRICS_ADDR", ":9091")
	c.SendTimeout = getDuration("SEND_TIMEOUT", 30*time.Second)
	c.TemplateSelection = strings.ToLower(getEnv("TEMPLATE_SELECTION", "first"))
	if c.TemplateSelection != "first" && c.TemplateSelection != "random" {
		c.TemplateSelection = "first"
	}

	c.TrackingBaseURL = strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:8080"), "/")
	c.SchedulerInterval = getDuration("SCHEDULER_INTERVAL", 30*time.Second)

	c.AMQPURL = getEnv("AMQP_URL", "")
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", "campaign_events")

	c.EmailProvider = strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp"))
	c.SMTPHost = getEnv("SMTP_HOST", "localhost")
	c.SMTPPort = getInt("SMTP_PORT", 1025)
	c.SMTPUsername = getEnv("SMTP_USERNAME", "")
	c.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	c.SMTPSecurity = strings.ToLower(getEnv("SMTP_SECURITY", "none"))
	c.GraphTokenURL = getEnv("GRAPH_TOKEN_URL", "https://login.microsoftonline.com/%s/oauth2/v2.0/token")
	c.GraphBaseURL = strings.TrimRight(getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"), "/")

	if c.WorkerConcurrency < 1 {
		return c, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.DispatchMaxAttempts < 1 {
		return c, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be >= 1, got %d", c.DispatchMaxAttempts)
	}
	return c, nil
}

// databaseURLFromParts keeps the DB_* variables working for older deployments.
func databaseURLFromParts() string {
	user := getEnv("DB_USER", "mail")
	pass := getEnv("DB_PASSWORD", "mail")
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	name := getEnv("DB_NAME", "mailcampaign")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func (c Config) String() string {
	return fmt.Sprintf("env=%s addr=%s store=%s queue=%s redis=%s/%d workers=%d",
		c.AppEnv, c.AppAddr, c.StoreDriver, c.QueueDriver, c.RedisAddr, c.RedisDB, c.WorkerConcurrency)
}
