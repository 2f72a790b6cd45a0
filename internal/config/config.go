package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Storage account credential encryption
	CredentialSecret string

	// MEGAcmd
	MegaCmdDir     string // directory holding the mega-* binaries, "" = rely on PATH
	CommandTimeout time.Duration
	StallTimeout   time.Duration
	PromptTimeout  time.Duration
	MaxOutputBytes int

	// Proxies
	ProxyPool          []string
	LoginAttempts      int
	RotationByteLimit  int64

	// Batch orchestrator
	DebounceQuietGap   time.Duration
	DebounceMaxWait    time.Duration
	DebounceMinPending int
	BackupQuietPeriod  time.Duration
	BackupQuietPoll    time.Duration

	// Restore
	StallRetries    int
	RetryBackoff    time.Duration

	// Storage
	StagingDir         string
	ReconcileCacheDir  string
	DefaultQuotaBytes  int64
	DeleteAfterReplica bool

	// Account probing
	ProbeInterval time.Duration
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based approach if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	// Credential secret - storage account passwords are useless without it
	credentialSecret := getEnv("CREDENTIAL_SECRET", "")
	if credentialSecret == "" {
		log.Println("WARNING: CREDENTIAL_SECRET not set - generated random secret. Stored account credentials will be unreadable after restart!")
		credentialSecret = generateSecureSecret(32)
	}

	proxyPool := splitList(getEnv("PROXY_POOL", ""))
	if len(proxyPool) == 0 {
		log.Println("WARNING: PROXY_POOL not set - remote logins will be refused (direct IP access is not permitted)")
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "provault"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "provault"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		CredentialSecret: credentialSecret,

		// MEGAcmd
		MegaCmdDir:     getEnv("MEGA_CMD_DIR", ""),
		CommandTimeout: getEnvDuration("MEGA_COMMAND_TIMEOUT", 90*time.Second),
		StallTimeout:   getEnvDuration("MEGA_STALL_TIMEOUT", 5*time.Minute),
		PromptTimeout:  getEnvDuration("MEGA_PROMPT_TIMEOUT", 3*time.Second),
		MaxOutputBytes: getEnvInt("MEGA_MAX_OUTPUT_BYTES", 256*1024),

		// Proxies
		ProxyPool:         proxyPool,
		LoginAttempts:     getEnvInt("PROXY_LOGIN_ATTEMPTS", 10),
		RotationByteLimit: getEnvInt64("PROXY_ROTATION_BYTES", 3*1024*1024*1024), // 3 GiB

		// Batch orchestrator
		DebounceQuietGap:   getEnvDuration("BATCH_DEBOUNCE_QUIET_GAP", 5*time.Second),
		DebounceMaxWait:    getEnvDuration("BATCH_DEBOUNCE_MAX_WAIT", 15*time.Second),
		DebounceMinPending: getEnvInt("BATCH_DEBOUNCE_MIN_PENDING", 3),
		BackupQuietPeriod:  getEnvDuration("BATCH_BACKUP_QUIET_PERIOD", 20*time.Second),
		BackupQuietPoll:    getEnvDuration("BATCH_BACKUP_QUIET_POLL", 500*time.Millisecond),

		// Restore
		StallRetries: getEnvInt("RESTORE_STALL_RETRIES", 2),
		RetryBackoff: getEnvDuration("RESTORE_RETRY_BACKOFF", 10*time.Second),

		// Storage
		StagingDir:         getEnv("STAGING_DIR", "/var/lib/provault/staging"),
		ReconcileCacheDir:  getEnv("RECONCILE_CACHE_DIR", "/var/lib/provault/reconcile-cache"),
		DefaultQuotaBytes:  getEnvInt64("DEFAULT_QUOTA_BYTES", 20*1024*1024*1024), // 20 GB free tier
		DeleteAfterReplica: getEnvBool("DELETE_AFTER_REPLICATION", false),

		// Account probing
		ProbeInterval: getEnvDuration("ACCOUNT_PROBE_INTERVAL", 6*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
