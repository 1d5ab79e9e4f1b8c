package config

import (
	"os"
	"strings"
	"time"

	"deskchat/service/mgo"
	"deskchat/service/nacos"
	"deskchat/service/storage/redis"
	"deskchat/tools/decode"
	"deskchat/tools/errs"

	"github.com/caarlos0/env/v10"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 DESKCHAT_SERVER_ADDR
const EnvPrefix = "DESKCHAT_"

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverStore    = "store"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

type Config struct {
	Server   Server       `yaml:"server" envPrefix:"SERVER_"`
	Log      Log          `yaml:"log" envPrefix:"LOG_"`
	JWT      JWT          `yaml:"jwt" envPrefix:"JWT_"`
	Chat     Chat         `yaml:"chat" envPrefix:"CHAT_"`
	WS       WS           `yaml:"ws" envPrefix:"WS_"`
	AI       AI           `yaml:"ai" envPrefix:"AI_"`
	Store    Store        `yaml:"store" envPrefix:"STORE_"`
	Seq      Seq          `yaml:"seq" envPrefix:"SEQ_"`
	Member   Member       `yaml:"member" envPrefix:"MEMBER_"`
	Presence Presence     `yaml:"presence" envPrefix:"PRESENCE_"`
	Postgres Postgres     `yaml:"postgres" envPrefix:"POSTGRES_"`
	Mongo    mgo.Config   `yaml:"mongo" envPrefix:"MONGO_"`
	Redis    redis.Config `yaml:"redis" envPrefix:"REDIS_"`
	Nats     Nats         `yaml:"nats" envPrefix:"NATS_"`
	Kafka    Kafka        `yaml:"kafka" envPrefix:"KAFKA_"`
	Nacos    nacos.Config `yaml:"nacos" envPrefix:"NACOS_"`
}

type Server struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	Mode            string        `yaml:"mode" env:"MODE"` // gin: debug/release/test
	NodeID          int64         `yaml:"nodeId" env:"NODE_ID"`
	AdvertiseIP     string        `yaml:"advertiseIp" env:"ADVERTISE_IP"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

type Log struct {
	Level string `yaml:"level" env:"LEVEL"`
}

type JWT struct {
	Secret      string        `yaml:"secret" env:"SECRET"`
	Alg         string        `yaml:"alg" env:"ALG"`
	Issuer      string        `yaml:"issuer" env:"ISSUER"`
	TTL         time.Duration `yaml:"ttl" env:"TTL"`
	HeaderToken string        `yaml:"headerToken" env:"HEADER_TOKEN"`
	AllowBearer bool          `yaml:"allowBearer" env:"ALLOW_BEARER"`
}

type Chat struct {
	MaxAppendRetries int `yaml:"maxAppendRetries" env:"MAX_APPEND_RETRIES"`
}

type WS struct {
	WriteWait      time.Duration `yaml:"writeWait" env:"WRITE_WAIT"`
	PongWait       time.Duration `yaml:"pongWait" env:"PONG_WAIT"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	MaxMessageSize int64         `yaml:"maxMessageSize" env:"MAX_MESSAGE_SIZE"`
	SendQueue      int           `yaml:"sendQueue" env:"SEND_QUEUE"`
	PendingSends   int           `yaml:"pendingSends" env:"PENDING_SENDS"`
	FanoutWorkers  int           `yaml:"fanoutWorkers" env:"FANOUT_WORKERS"`
	FanoutQueue    int           `yaml:"fanoutQueue" env:"FANOUT_QUEUE"`
}

type AI struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	BaseURL        string        `yaml:"baseUrl" env:"BASE_URL"`
	Model          string        `yaml:"model" env:"MODEL"`
	APIKey         string        `yaml:"apiKey" env:"API_KEY"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
}

type Store struct {
	Driver string `yaml:"driver" env:"DRIVER"` // memory|postgres
}

type Seq struct {
	Driver string        `yaml:"driver" env:"DRIVER"` // store|redis
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// SeedMember 内存目录的初始成员
type SeedMember struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
}

type Member struct {
	Driver string       `yaml:"driver" env:"DRIVER"` // memory|mongo
	Seed   []SeedMember `yaml:"seed"`
}

// Presence 在线状态写入 Redis，依赖 redis.addr
type Presence struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

type Postgres struct {
	DSN            string        `yaml:"dsn" env:"DSN"`
	MaxConns       int32         `yaml:"maxConns" env:"MAX_CONNS"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	Migrate        bool          `yaml:"migrate" env:"MIGRATE"`
}

type Nats struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Servers       []string      `yaml:"servers" env:"SERVERS" envSeparator:","`
	Name          string        `yaml:"name" env:"NAME"`
	User          string        `yaml:"user" env:"USER"`
	Password      string        `yaml:"password" env:"PASSWORD"`
	SubjectPrefix string        `yaml:"subjectPrefix" env:"SUBJECT_PREFIX"`
	DedupeTTL     time.Duration `yaml:"dedupeTtl" env:"DEDUPE_TTL"` // 0 关闭去重
}

type Kafka struct {
	Enabled            bool     `yaml:"enabled" env:"ENABLED"`
	Brokers            []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic              string   `yaml:"topic" env:"TOPIC"`
	PartitionsPerTopic int32    `yaml:"partitionsPerTopic" env:"PARTITIONS_PER_TOPIC"`
	ReplicationFactor  int16    `yaml:"replicationFactor" env:"REPLICATION_FACTOR"`
	Retries            int      `yaml:"retries" env:"RETRIES"`
	Compression        string   `yaml:"compression" env:"COMPRESSION"`
	Version            string   `yaml:"version" env:"VERSION"`
	EnsureTopic        bool     `yaml:"ensureTopic" env:"ENSURE_TOPIC"`
}

// Default 本地开发可直接启动：全内存、AI 关闭、NATS/Kafka 关闭
func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8080", Mode: "release", NodeID: 1, ShutdownTimeout: 10 * time.Second},
		Log:    Log{Level: "debug"},
		JWT:    JWT{Alg: "HS256", TTL: 2 * time.Hour, HeaderToken: "X-Auth-Token", AllowBearer: true},
		Chat:   Chat{MaxAppendRetries: 3},
		WS: WS{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			ConnectTimeout: 30 * time.Second,
			MaxMessageSize: 1 << 20,
			SendQueue:      256,
			PendingSends:   16,
			FanoutWorkers:  4,
			FanoutQueue:    1024,
		},
		AI: AI{
			BaseURL:        "http://127.0.0.1:11434",
			Model:          "qwen3:8b",
			Timeout:        360 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Store:    Store{Driver: DriverMemory},
		Seq:      Seq{Driver: DriverStore, TTL: 24 * time.Hour},
		Member:   Member{Driver: DriverMemory},
		Presence: Presence{TTL: 2 * time.Minute},
		Postgres: Postgres{MaxConns: 20, ConnectTimeout: 5 * time.Second, Migrate: true},
		Mongo:    mgo.Config{Database: "agentChat", MaxPoolSize: 20, MaxRetry: 3},
		Redis:    redis.Config{Addr: "127.0.0.1:6379", PoolSize: 20},
		Nats:     Nats{Name: "deskchat", SubjectPrefix: "chat.room", DedupeTTL: time.Minute},
		Kafka:    Kafka{Topic: "chat.message.created", PartitionsPerTopic: 8, ReplicationFactor: 1, Retries: 3, Version: "2.1.0"},
		Nacos:    nacos.Config{DataID: "deskchat.yaml", Group: "DEFAULT_GROUP", Service: "deskchat-gateway"},
	}
}

// Merge 把一段 YAML 覆盖到当前配置上，未出现的键保持不变
func (c *Config) Merge(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return pkgerrors.Wrap(err, "parse yaml")
	}
	err := decode.Into(raw, c, decode.Options{TagName: "yaml", WeaklyTypedInput: true, ErrorUnused: true})
	return pkgerrors.WithMessage(err, "config")
}

// RemoteFunc 拉取远端 YAML（Nacos）
type RemoteFunc func(nc nacos.Config) (string, error)

// Loader: defaults -> file -> remote -> env
type Loader struct {
	Path    string
	Remote  RemoteFunc
	Environ map[string]string // 为空时读取进程环境变量
}

func (l Loader) Load() (*Config, error) {
	cfg := Default()
	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "read config %s", l.Path)
		}
		if err := cfg.Merge(data); err != nil {
			return nil, pkgerrors.WithMessage(err, l.Path)
		}
	}
	// nacos 开关本身可能只在环境变量里
	if err := cfg.applyEnv(l.Environ); err != nil {
		return nil, err
	}
	if cfg.Nacos.Enabled && l.Remote != nil {
		content, err := l.Remote(cfg.Nacos)
		if err != nil {
			return nil, err
		}
		if err := cfg.Merge([]byte(content)); err != nil {
			return nil, pkgerrors.WithMessage(err, "nacos "+cfg.Nacos.DataID)
		}
		if err := cfg.applyEnv(l.Environ); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	return pkgerrors.Wrap(env.ParseWithOptions(c, opts), "parse env")
}

// Load 读取文件并按需拉取 Nacos
func Load(path string) (*Config, error) {
	return Loader{Path: path, Remote: FetchNacos}.Load()
}

// FetchNacos 拉取一次 Nacos 配置
func FetchNacos(nc nacos.Config) (string, error) {
	cli, err := nacos.NewConfigClient(nc)
	if err != nil {
		return "", err
	}
	return nacos.Fetch(cli, nc.DataID, nc.Group)
}

func (c *Config) Validate() error {
	if len(c.JWT.Secret) < 16 {
		return errs.ErrArgs.WrapMsg("jwt.secret must be at least 16 bytes")
	}
	if c.Chat.MaxAppendRetries < 0 {
		return errs.ErrArgs.WrapMsg("chat.maxAppendRetries must be >= 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errs.ErrArgs.WrapMsg("postgres.dsn required", "store.driver", c.Store.Driver)
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown store.driver", "driver", c.Store.Driver)
	}
	switch c.Seq.Driver {
	case DriverStore:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errs.ErrArgs.WrapMsg("redis.addr required", "seq.driver", c.Seq.Driver)
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown seq.driver", "driver", c.Seq.Driver)
	}
	switch c.Member.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Mongo.Uri == "" && len(c.Mongo.Address) == 0 {
			return errs.ErrArgs.WrapMsg("mongo.uri or mongo.address required", "member.driver", c.Member.Driver)
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown member.driver", "driver", c.Member.Driver)
	}
	if c.Presence.Enabled && c.Redis.Addr == "" {
		return errs.ErrArgs.WrapMsg("redis.addr required when presence.enabled")
	}
	if c.Nats.Enabled && len(c.Nats.Servers) == 0 {
		return errs.ErrArgs.WrapMsg("nats.servers required when nats.enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errs.ErrArgs.WrapMsg("kafka.brokers required when kafka.enabled")
	}
	if c.Nacos.Enabled && len(c.Nacos.Addrs) == 0 {
		return errs.ErrArgs.WrapMsg("nacos.addrs required when nacos.enabled")
	}
	return nil
}
