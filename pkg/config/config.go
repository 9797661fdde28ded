package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	NATS        NATSConfig
	JWT         JWTConfig
	Dispatch    DispatchConfig
	Session     SessionConfig
	Fare        FareConfig
	Payment     PaymentConfig
	Routes      RoutesConfig
	ServiceArea ServiceAreaConfig
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN builds the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RedisAddr returns the host:port address of the Redis server.
func (c *RedisConfig) RedisAddr() string {
	return c.Host + ":" + c.Port
}

// NATSConfig holds event bus configuration.
type NATSConfig struct {
	URL        string
	StreamName string
}

// JWTConfig holds channel-auth token verification configuration.
type JWTConfig struct {
	Secret string
}

// DispatchConfig tunes the matching engine.
type DispatchConfig struct {
	InitialSearchRadiusKm   float64
	SearchRadiusExpansionKm float64
	MaxSearchRadiusKm       float64
	MatchTimeoutSeconds     int
	RoundTimeoutSeconds     int
	ClaimTTLSeconds         int
	StaleLocationTTLSeconds int
	PickupProximityM        float64
	ProximityNotifyM        float64
}

// MatchTimeout returns the overall matching deadline.
func (c DispatchConfig) MatchTimeout() time.Duration {
	return time.Duration(c.MatchTimeoutSeconds) * time.Second
}

// RoundTimeout returns the per-round wait before expanding the radius.
func (c DispatchConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutSeconds) * time.Second
}

// ClaimTTL returns the lifetime of a ride claim slot.
func (c DispatchConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// StaleLocationTTL returns the freshness bound for location samples.
func (c DispatchConfig) StaleLocationTTL() time.Duration {
	return time.Duration(c.StaleLocationTTLSeconds) * time.Second
}

// SessionConfig tunes the realtime session layer.
type SessionConfig struct {
	IdleTimeoutSeconds int
	SendBufferSize     int
}

// IdleTimeout returns the session idle deadline.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// FareConfig tunes fare quoting.
type FareConfig struct {
	BaseFare                float64
	PerKmRate               float64
	CancellationFee         float64
	FareProtectionThreshold float64
}

// PaymentConfig tunes payment capture and payouts.
type PaymentConfig struct {
	StripeAPIKey            string
	MaxRetries              int
	AttemptTimeoutSeconds   int
	DriverShare             float64
	PayoutDelayHours        int
	GatewayFailureThreshold int
	GatewayRecoverySeconds  int
}

// PayoutDelay returns the delay between ride completion and driver payout.
func (c PaymentConfig) PayoutDelay() time.Duration {
	return time.Duration(c.PayoutDelayHours) * time.Hour
}

// AttemptTimeout returns the per-attempt gateway deadline.
func (c PaymentConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// RoutesConfig configures the external route distance provider. An empty
// APIKey disables the provider; fare quotes then fall back to haversine.
type RoutesConfig struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
}

// BBox is an axis-aligned lat/lon bounding box.
type BBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// ServiceAreaConfig defines the legal geography for pickups and dropoffs.
type ServiceAreaConfig struct {
	Primary  BBox
	Extended BBox
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName: getEnv("NATS_STREAM", "DISPATCH"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		},
		Dispatch: DispatchConfig{
			InitialSearchRadiusKm:   getEnvAsFloat("INITIAL_SEARCH_RADIUS_KM", 5),
			SearchRadiusExpansionKm: getEnvAsFloat("SEARCH_RADIUS_EXPANSION_KM", 2),
			MaxSearchRadiusKm:       getEnvAsFloat("MAX_SEARCH_RADIUS_KM", 15),
			MatchTimeoutSeconds:     getEnvAsInt("MATCH_TIMEOUT_SECONDS", 120),
			RoundTimeoutSeconds:     getEnvAsInt("ROUND_TIMEOUT_SECONDS", 30),
			ClaimTTLSeconds:         getEnvAsInt("CLAIM_TTL_SECONDS", 10),
			StaleLocationTTLSeconds: getEnvAsInt("STALE_LOCATION_TTL_SECONDS", 60),
			PickupProximityM:        getEnvAsFloat("PICKUP_PROXIMITY_M", 200),
			ProximityNotifyM:        getEnvAsFloat("PROXIMITY_NOTIFY_M", 500),
		},
		Session: SessionConfig{
			IdleTimeoutSeconds: getEnvAsInt("SESSION_IDLE_TIMEOUT_SECONDS", 90),
			SendBufferSize:     getEnvAsInt("SESSION_SEND_BUFFER", 256),
		},
		Fare: FareConfig{
			BaseFare:                getEnvAsFloat("BASE_FARE", 50),
			PerKmRate:               getEnvAsFloat("PER_KM_RATE", 12),
			CancellationFee:         getEnvAsFloat("CANCELLATION_FEE", 30),
			FareProtectionThreshold: getEnvAsFloat("FARE_PROTECTION_THRESHOLD", 0.20),
		},
		Payment: PaymentConfig{
			StripeAPIKey:            getEnv("STRIPE_API_KEY", ""),
			MaxRetries:              getEnvAsInt("PAYMENT_MAX_RETRIES", 2),
			AttemptTimeoutSeconds:   getEnvAsInt("PAYMENT_ATTEMPT_TIMEOUT_SECONDS", 10),
			DriverShare:             getEnvAsFloat("DRIVER_SHARE", 0.80),
			PayoutDelayHours:        getEnvAsInt("PAYOUT_DELAY_HOURS", 24),
			GatewayFailureThreshold: getEnvAsInt("GATEWAY_FAILURE_THRESHOLD", 5),
			GatewayRecoverySeconds:  getEnvAsInt("GATEWAY_RECOVERY_SECONDS", 60),
		},
		Routes: RoutesConfig{
			APIKey:         getEnv("ROUTES_API_KEY", ""),
			BaseURL:        getEnv("ROUTES_BASE_URL", ""),
			TimeoutSeconds: getEnvAsInt("ROUTES_TIMEOUT_SECONDS", 5),
		},
		ServiceArea: ServiceAreaConfig{
			Primary:  getEnvAsBBox("SERVICE_AREA_PRIMARY_BBOX", BBox{MinLat: 22.6, MaxLat: 22.8, MinLon: 75.7, MaxLon: 75.9}),
			Extended: getEnvAsBBox("SERVICE_AREA_EXTENDED_BBOX", BBox{MinLat: 22.5, MaxLat: 22.9, MinLon: 75.6, MaxLon: 76.0}),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBBox parses "minLat,maxLat,minLon,maxLon".
func getEnvAsBBox(key string, defaultValue BBox) BBox {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var b BBox
	if _, err := fmt.Sscanf(valueStr, "%f,%f,%f,%f", &b.MinLat, &b.MaxLat, &b.MinLon, &b.MaxLon); err != nil {
		return defaultValue
	}
	return b
}
