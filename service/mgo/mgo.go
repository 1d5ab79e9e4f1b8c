package mgo

import (
	"context"
	"time"

	"deskchat/logger"
	"deskchat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
	defaultTimeout     = 5 * time.Second
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri         string        `yaml:"uri" env:"URI"`
	Address     []string      `yaml:"address" env:"ADDRESS" envSeparator:","`
	Database    string        `yaml:"database" env:"DATABASE"`
	Username    string        `yaml:"username" env:"USERNAME"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	AuthSource  string        `yaml:"authSource" env:"AUTH_SOURCE"`
	MaxPoolSize int           `yaml:"maxPoolSize" env:"MAX_POOL_SIZE"`
	MaxRetry    int           `yaml:"maxRetry" env:"MAX_RETRY"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ValidateAndSetDefaults validates the configuration and sets default values.
func (c *Config) ValidateAndSetDefaults() error {
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.ErrArgs.WrapMsg("mongo uri or address is required")
	}
	if c.Database == "" {
		return errs.ErrArgs.WrapMsg("mongo database is required")
	}
	if c.AuthSource == "" {
		c.AuthSource = "admin"
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

// 将 Config 应用到 ClientOptions
func clientOptions(cfg *Config) *options.ClientOptions {
	var opts *options.ClientOptions
	if cfg.Uri != "" {
		// 优先使用完整 URI
		opts = options.Client().ApplyURI(cfg.Uri)
	} else {
		opts = options.Client().SetHosts(cfg.Address)
	}
	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	opts.SetServerSelectionTimeout(cfg.Timeout)
	opts.SetAppName("deskchat")

	// 单独给了用户名时覆盖 URI 中的认证
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts
}

// shouldRetry: 认证失败（13/18）不重试
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if cmdErr, ok := err.(mongo.CommandError); ok {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}

// Connect 带重试建连，返回目标库
func Connect(ctx context.Context, cfg *Config) (*mongo.Database, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := clientOptions(cfg)
	if err := opts.Validate(); err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error())
	}

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts, cfg.Timeout)
		if err == nil || !shouldRetry(ctx, err) {
			break
		}
		logger.Warn("[Mongo] connect failed, retry", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second / 2):
		}
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "failed to connect to MongoDB", "database", cfg.Database)
	}
	logger.Info("[Mongo] connected", zap.String("database", cfg.Database))
	return cli.Database(cfg.Database), nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions, timeout time.Duration) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// Disconnect 关闭 db 所属的客户端
func Disconnect(ctx context.Context, db *mongo.Database) error {
	if db == nil {
		return nil
	}
	return db.Client().Disconnect(ctx)
}
