package conf

import (
	"strings"

	jerrors "github.com/juju/errors"
	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-blockcache/util"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[cache]
block_size           = 4096
capacity             = 4096
shards               = 4
max_concurrent_reads = 64
flush_parallelism    = 8
flush_rate_limit     = 0
store_path           =
store_codec          = snappy

[logs]
log_error = /var/log/blockcache/error.log
log_infos = /var/log/blockcache/cache.log
log_level = info
*
*/
type Cfg struct {
	Raw *ini.File

	// cache
	BlockSize          int     `default:"4096" yaml:"block_size" json:"block_size,omitempty"`
	Capacity           int     `default:"4096" yaml:"capacity" json:"capacity,omitempty"`
	Shards             int     `default:"4" yaml:"shards" json:"shards,omitempty"`
	MaxConcurrentReads int64   `default:"64" yaml:"max_concurrent_reads" json:"max_concurrent_reads,omitempty"`
	FlushParallelism   int     `default:"8" yaml:"flush_parallelism" json:"flush_parallelism,omitempty"`
	FlushRateLimit     float64 `default:"0" yaml:"flush_rate_limit" json:"flush_rate_limit,omitempty"`
	StorePath          string  `default:"" yaml:"store_path" json:"store_path,omitempty"`
	StoreCodec         string  `default:"none" yaml:"store_codec" json:"store_codec,omitempty"`

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:                ini.Empty(),
		BlockSize:          4096,
		Capacity:           buffer_pool.DEFAULT_CAPACITY,
		Shards:             4,
		MaxConcurrentReads: buffer_pool.DEFAULT_MAX_CONCURRENT_READS,
		FlushParallelism:   buffer_pool.DEFAULT_FLUSH_PARALLELISM,
		StoreCodec:         "none",
		LogLevel:           "info",
	}
}

// Load 读取配置文件，.toml 后缀按 TOML 解析，其余按 ini 解析。文件不存在时保留默认值。
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	ConfigPath = args.ConfigPath
	if ConfigPath == "" {
		return cfg, nil
	}
	exists, err := util.PathExists(ConfigPath)
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	if !exists {
		logger.Debugf("配置文件不存在: %s，使用默认配置", ConfigPath)
		return cfg, nil
	}

	if strings.HasSuffix(ConfigPath, ".toml") {
		tree, err := toml.LoadFile(ConfigPath)
		if err != nil {
			return nil, jerrors.Annotatef(err, "parse %s", ConfigPath)
		}
		cfg.parseToml(tree)
	} else {
		iniFile, err := ini.Load(ConfigPath)
		if err != nil {
			return nil, jerrors.Annotatef(err, "parse %s", ConfigPath)
		}
		cfg.Raw = iniFile
		cfg.parseCacheCfg(cfg.Raw.Section("cache"))
		cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	}
	logger.Debugf("成功加载配置文件: %s", ConfigPath)
	return cfg, cfg.Validate()
}

func (cfg *Cfg) parseCacheCfg(section *ini.Section) *Cfg {
	cfg.BlockSize = section.Key("block_size").MustInt(cfg.BlockSize)
	cfg.Capacity = section.Key("capacity").MustInt(cfg.Capacity)
	cfg.Shards = section.Key("shards").MustInt(cfg.Shards)
	cfg.MaxConcurrentReads = section.Key("max_concurrent_reads").MustInt64(cfg.MaxConcurrentReads)
	cfg.FlushParallelism = section.Key("flush_parallelism").MustInt(cfg.FlushParallelism)
	cfg.FlushRateLimit = section.Key("flush_rate_limit").MustFloat64(cfg.FlushRateLimit)
	cfg.StorePath = valueAsString(section, "store_path", cfg.StorePath)
	cfg.StoreCodec = valueAsString(section, "store_codec", cfg.StoreCodec)
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel = valueAsString(section, "log_level", cfg.LogLevel)
	return cfg
}

// parseToml TOML 的表与 ini 的节同名
func (cfg *Cfg) parseToml(tree *toml.Tree) {
	cfg.BlockSize = int(tomlInt(tree, "cache.block_size", int64(cfg.BlockSize)))
	cfg.Capacity = int(tomlInt(tree, "cache.capacity", int64(cfg.Capacity)))
	cfg.Shards = int(tomlInt(tree, "cache.shards", int64(cfg.Shards)))
	cfg.MaxConcurrentReads = tomlInt(tree, "cache.max_concurrent_reads", cfg.MaxConcurrentReads)
	cfg.FlushParallelism = int(tomlInt(tree, "cache.flush_parallelism", int64(cfg.FlushParallelism)))
	switch v := tree.Get("cache.flush_rate_limit").(type) {
	case float64:
		cfg.FlushRateLimit = v
	case int64:
		cfg.FlushRateLimit = float64(v)
	}
	cfg.StorePath = tomlString(tree, "cache.store_path", cfg.StorePath)
	cfg.StoreCodec = tomlString(tree, "cache.store_codec", cfg.StoreCodec)
	cfg.LogError = tomlString(tree, "logs.log_error", cfg.LogError)
	cfg.LogInfos = tomlString(tree, "logs.log_infos", cfg.LogInfos)
	cfg.LogLevel = tomlString(tree, "logs.log_level", cfg.LogLevel)
}

func tomlInt(tree *toml.Tree, key string, def int64) int64 {
	if v, ok := tree.Get(key).(int64); ok {
		return v
	}
	return def
}

func tomlString(tree *toml.Tree, key string, def string) string {
	if v, ok := tree.Get(key).(string); ok && v != "" {
		return v
	}
	return def
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value
}

// Validate 检查取值范围
func (cfg *Cfg) Validate() error {
	if cfg.BlockSize <= 0 {
		return jerrors.NotValidf("block_size %d", cfg.BlockSize)
	}
	if cfg.Capacity <= 0 {
		return jerrors.NotValidf("capacity %d", cfg.Capacity)
	}
	if cfg.Shards <= 0 {
		return jerrors.NotValidf("shards %d", cfg.Shards)
	}
	if cfg.FlushRateLimit < 0 {
		return jerrors.NotValidf("flush_rate_limit %v", cfg.FlushRateLimit)
	}
	return nil
}

// CacheConfig 单个分片的页面缓存配置，容量按分片数均分
func (cfg *Cfg) CacheConfig() *buffer_pool.Config {
	shards := cfg.Shards
	if shards <= 0 {
		shards = 1
	}
	capacity := cfg.Capacity / shards
	if capacity == 0 {
		capacity = 1
	}
	return &buffer_pool.Config{
		Capacity:           capacity,
		MaxConcurrentReads: cfg.MaxConcurrentReads,
		FlushParallelism:   cfg.FlushParallelism,
		FlushRateLimit:     cfg.FlushRateLimit,
	}
}

// LogConfig 日志配置
func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}
}

// GetString 获取配置项的字符串值，key 形如 "cache.store_codec"
func (cfg *Cfg) GetString(key string) string {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 {
		return ""
	}
	return valueAsString(cfg.Raw.Section(parts[0]), parts[1], "")
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 {
		return 0
	}
	return cfg.Raw.Section(parts[0]).Key(parts[1]).MustInt(0)
}
