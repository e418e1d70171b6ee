package config

import "time"

const (
	StoreBackendMongo  = "mongo"
	StoreBackendMemory = "memory"
)

type AppConfig struct {
	HTTPAddr string // http + ws 监听地址
	NodeID   int64  // 雪花节点号，同时作为跨节点广播的来源标识
	LogLevel string

	JWTSecret string
	JWTTTL    time.Duration

	StoreBackend string
	Mongo        MongoConfig
	Redis        RedisConfig
	Nats         NatsConfig
	WS           WSConfig

	// SEED_USERS: userId:orgId:displayName:password，逗号分隔，启动时写入目录
	SeedUsers []string
}

type MongoConfig struct {
	Uri         string
	Database    string
	MaxPoolSize int
	MaxRetry    int
}

type RedisConfig struct {
	Addr        string // 为空则不镜像在线状态
	Password    string
	DB          int
	PoolSize    int
	PresenceTTL time.Duration
}

type NatsConfig struct {
	Servers []string // 为空则只做本节点广播
	Name    string
}

type WSConfig struct {
	AuthTimeout  time.Duration // 连接后等待 authenticate 帧的时长
	SendQueue    int           // 每连接发送队列长度
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int64

	// 允许的浏览器 Origin，空表示不限制
	AllowedOrigins []string
}
