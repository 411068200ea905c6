package global

import (
	"strings"
	"time"

	"MBackend/tools"
)

// AppConfig is built once in main and handed to whichever component needs
// it. Nothing reads the environment after startup.
type AppConfig struct {
	HTTPAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI string
	MongoDB  string

	NatsServers []string
	NatsName    string

	// Durable queue names (one JetStream subject each).
	DeliveryQueue      string
	DeviceCleanupQueue string
	SubRemovalQueue    string

	// Header and shared token that mark a request as coming from the
	// internal queue dispatcher. Requests to internal endpoints without a
	// matching token are rejected; an empty token disables the internal
	// surface.
	DispatchHeader string
	DispatchToken  string

	GCMSendURL string

	APNSHost    string
	APNSKeyID   string
	APNSTeamID  string
	APNSKeyPEM  string
	APNSTopic   string
	APNSTimeout time.Duration

	DeliveryWorkers   int
	LeaseBatch        int
	LeaseDuration     time.Duration
	IdleSleep         time.Duration
	SendCooldown      time.Duration
	ProcessedCacheTTL time.Duration
	ProcessedRetain   time.Duration
	FreshWindow       time.Duration
}

func Load() *AppConfig {
	return &AppConfig{
		HTTPAddr: tools.GetEnv("HTTP_ADDR", ":8080"),

		RedisAddr:     tools.GetEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: tools.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       tools.GetEnvInt("REDIS_DB", 0),

		MongoURI: tools.GetEnv("MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDB:  tools.GetEnv("MONGO_DB", "mbackend"),

		NatsServers: strings.Split(tools.GetEnv("NATS_SERVERS", "nats://127.0.0.1:4222"), ","),
		NatsName:    tools.GetEnv("NATS_NAME", "mbackend-1"),

		DeliveryQueue:      tools.GetEnv("QUEUE_DELIVERY", "notification-delivery"),
		DeviceCleanupQueue: tools.GetEnv("QUEUE_DEVICE_CLEANUP", "notification-device-token-cleanup"),
		SubRemovalQueue:    tools.GetEnv("QUEUE_SUB_REMOVAL", "subscription-removal"),

		DispatchHeader: tools.GetEnv("DISPATCH_HEADER", "X-Queue-Dispatch"),
		DispatchToken:  tools.GetEnv("DISPATCH_TOKEN", ""),

		GCMSendURL: tools.GetEnv("GCM_SEND_URL", "https://android.googleapis.com/gcm/send"),

		APNSHost:    tools.GetEnv("APNS_HOST", "api.sandbox.push.apple.com"),
		APNSKeyID:   tools.GetEnv("APNS_KEY_ID", ""),
		APNSTeamID:  tools.GetEnv("APNS_TEAM_ID", ""),
		APNSKeyPEM:  tools.GetEnv("APNS_KEY_PEM", ""),
		APNSTopic:   tools.GetEnv("APNS_TOPIC", ""),
		APNSTimeout: tools.GetEnvDuration("APNS_TIMEOUT", 10*time.Second),

		DeliveryWorkers:   tools.GetEnvInt("DELIVERY_WORKERS", 8),
		LeaseBatch:        tools.GetEnvInt("LEASE_BATCH", 100),
		LeaseDuration:     tools.GetEnvDuration("LEASE_DURATION", 30*time.Minute),
		IdleSleep:         tools.GetEnvDuration("IDLE_SLEEP", 2500*time.Millisecond),
		SendCooldown:      tools.GetEnvDuration("SEND_COOLDOWN", 5*time.Minute),
		ProcessedCacheTTL: tools.GetEnvDuration("PROCESSED_CACHE_TTL", 2*time.Hour),
		ProcessedRetain:   tools.GetEnvDuration("PROCESSED_RETAIN", 12*time.Hour),
		FreshWindow:       tools.GetEnvDuration("FRESH_WINDOW", 4*time.Hour),
	}
}
