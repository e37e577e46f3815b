package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

type StorageConfig struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	BucketOriginals  string
	BucketThumbnails string
	UseSSL           bool
	Region           string
	SignedURLTTL     time.Duration
}

type SecurityConfig struct {
	JWTSecret string
	JWTTTL    time.Duration
}

// UploadConfig bounds accepted files and fixes the transform parameters.
type UploadConfig struct {
	MinFileBytes     int64
	MaxFileBytes     int64
	ThumbnailWidth   int
	ThumbnailHeight  int
	ThumbnailQuality int
	DisplayQuality   int
}

// CollisionConfig tunes the resolver cache, the retry budget, and the
// assume-collision fallback.
type CollisionConfig struct {
	CacheTTL        time.Duration
	RetryMax        int
	RetryBackoff    time.Duration
	FallbackEnabled bool
}

type CleanupConfig struct {
	Schedule      string
	ClaimInterval time.Duration
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Upload           UploadConfig
	Collision        CollisionConfig
	Cleanup          CleanupConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("IMGSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "60s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "imgstream:cleanup")
	v.SetDefault("redis.group", "cleanup-workers")
	v.SetDefault("redis.consumer", "cleanup-1")

	v.SetDefault("storage.bucketoriginals", "imgstream-originals")
	v.SetDefault("storage.bucketthumbnails", "imgstream-thumbnails")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.signedurlttl", "15m")

	v.SetDefault("security.jwtttl", "24h")

	v.SetDefault("upload.minfilebytes", 100)
	v.SetDefault("upload.maxfilebytes", 50*1024*1024)
	v.SetDefault("upload.thumbnailwidth", 300)
	v.SetDefault("upload.thumbnailheight", 300)
	v.SetDefault("upload.thumbnailquality", 85)
	v.SetDefault("upload.displayquality", 90)

	v.SetDefault("collision.cachettl", "60s")
	v.SetDefault("collision.retrymax", 3)
	v.SetDefault("collision.retrybackoff", "100ms")
	v.SetDefault("collision.fallbackenabled", true)

	v.SetDefault("cleanup.schedule", "0 0 3 * * *")
	v.SetDefault("cleanup.claiminterval", "1m")
}
