package nacos

import (
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
)

// Config 连接 Nacos 所需参数
type Config struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	Addrs     []string `yaml:"addrs" env:"ADDRS" envSeparator:","` // host:port
	Namespace string   `yaml:"namespace" env:"NAMESPACE"`
	Username  string   `yaml:"username" env:"USERNAME"`
	Password  string   `yaml:"password" env:"PASSWORD"`
	DataID    string   `yaml:"dataId" env:"DATA_ID"`
	Group     string   `yaml:"group" env:"GROUP"`
	Service   string   `yaml:"service" env:"SERVICE"`
	TimeoutMs uint64   `yaml:"timeoutMs" env:"TIMEOUT_MS"`
	LogLevel  string   `yaml:"logLevel" env:"LOG_LEVEL"`
	CacheDir  string   `yaml:"cacheDir" env:"CACHE_DIR"`
	LogDir    string   `yaml:"logDir" env:"LOG_DIR"`
}

func (c *Config) norm() {
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.DataID == "" {
		c.DataID = "deskchat.yaml"
	}
	if c.Service == "" {
		c.Service = "deskchat-gateway"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
}

func serverConfigs(addrs []string) ([]constant.ServerConfig, error) {
	if len(addrs) == 0 {
		return nil, errors.New("nacos addrs missing")
	}
	out := make([]constant.ServerConfig, 0, len(addrs))
	for _, a := range addrs {
		host, port, err := net.SplitHostPort(a)
		if err != nil {
			return nil, errors.Wrapf(err, "nacos addr %q", a)
		}
		p, err := strconv.ParseUint(port, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "nacos port %q", a)
		}
		out = append(out, *constant.NewServerConfig(host, p))
	}
	return out, nil
}

func clientConfig(c Config) *constant.ClientConfig {
	return constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(c.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(c.LogLevel),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
}

func params(c Config) (vo.NacosClientParam, error) {
	c.norm()
	servers, err := serverConfigs(c.Addrs)
	if err != nil {
		return vo.NacosClientParam{}, err
	}
	return vo.NacosClientParam{ClientConfig: clientConfig(c), ServerConfigs: servers}, nil
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	p, err := params(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewConfigClient(p)
	return cli, errors.Wrap(err, "create nacos config client")
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	p, err := params(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewNamingClient(p)
	return cli, errors.Wrap(err, "create nacos naming client")
}
