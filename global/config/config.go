package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"orgchat/logger"
	"orgchat/tools"
	"orgchat/tools/errs"

	"github.com/joho/godotenv"
)

var Global AppConfig

// Load reads an optional .env file (or the files named in ENV_FILES) and then
// builds the configuration from the process environment.
func Load() (AppConfig, error) {
	files := tools.GetEnvList("ENV_FILES", nil)
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return AppConfig{}, errs.WrapMsg(err, "load env files", "files", strings.Join(files, ","))
		}
		logger.Infof("[config] loaded env files %v", files)
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	Global = cfg
	return cfg, nil
}

func FromEnv() AppConfig {
	return AppConfig{
		HTTPAddr: tools.GetEnv("HTTP_ADDR", ":8080"),
		NodeID:   int64(tools.GetEnvInt("NODE_ID", 1)),
		LogLevel: tools.GetEnv("LOG_LEVEL", "info"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTTTL:    tools.GetEnvDuration("JWT_TTL", 2*time.Hour),

		StoreBackend: strings.ToLower(tools.GetEnv("STORE_BACKEND", StoreBackendMongo)),
		Mongo: MongoConfig{
			Uri:         tools.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:    tools.GetEnv("MONGO_DATABASE", "orgchat"),
			MaxPoolSize: tools.GetEnvInt("MONGO_MAX_POOL", 50),
			MaxRetry:    tools.GetEnvInt("MONGO_MAX_RETRY", 3),
		},
		Redis: RedisConfig{
			Addr:        os.Getenv("REDIS_ADDR"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          tools.GetEnvInt("REDIS_DB", 0),
			PoolSize:    tools.GetEnvInt("REDIS_POOL_SIZE", 20),
			PresenceTTL: tools.GetEnvDuration("REDIS_PRESENCE_TTL", 24*time.Hour),
		},
		Nats: NatsConfig{
			Servers: tools.GetEnvList("NATS_SERVERS", nil),
			Name:    tools.GetEnv("NATS_NAME", "orgchat"),
		},
		WS: WSConfig{
			AuthTimeout:  tools.GetEnvDuration("WS_AUTH_TIMEOUT", 10*time.Second),
			SendQueue:    tools.GetEnvInt("WS_SEND_QUEUE", 256),
			PingInterval: tools.GetEnvDuration("WS_PING_INTERVAL", 25*time.Second),
			ReadTimeout:  tools.GetEnvDuration("WS_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: tools.GetEnvDuration("WS_WRITE_TIMEOUT", 5*time.Second),
			MaxFrameSize: int64(tools.GetEnvInt("WS_MAX_FRAME", 64*1024)),

			AllowedOrigins: tools.GetEnvList("WS_ALLOWED_ORIGINS", nil),
		},
		SeedUsers: tools.GetEnvList("SEED_USERS", nil),
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errs.ErrArgs.WrapMsg("JWT_SECRET is required")
	}
	switch c.StoreBackend {
	case StoreBackendMongo:
		if c.Mongo.Uri == "" || c.Mongo.Database == "" {
			return errs.ErrArgs.WrapMsg("MONGO_URI and MONGO_DATABASE are required for the mongo backend")
		}
	case StoreBackendMemory:
	default:
		return errs.ErrArgs.WrapMsg(fmt.Sprintf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.WS.PingInterval >= c.WS.ReadTimeout {
		return errs.ErrArgs.WrapMsg("WS_PING_INTERVAL must be shorter than WS_READ_TIMEOUT")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return errs.ErrArgs.WrapMsg("NODE_ID must be within 0..1023")
	}
	return nil
}
