package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Inference  InferenceConfig  `yaml:"inference"`
	Generation GenerationConfig `yaml:"generation"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite, mysql
	DSN  string `yaml:"dsn"`
}

// InferenceConfig 推理服务配置
type InferenceConfig struct {
	// DefaultBaseURL 未匹配到 provider 时使用的 OpenAI 兼容地址
	DefaultBaseURL string `yaml:"default_base_url"`
	// Providers provider 名称 -> OpenAI 兼容地址
	Providers   map[string]string `yaml:"providers"`
	Token       string            `yaml:"token"`
	MaxTokens   int               `yaml:"max_tokens"`
	Temperature float32           `yaml:"temperature"`
	CacheTTL    time.Duration     `yaml:"cache_ttl"`
}

// GenerationConfig 列生成调度配置
type GenerationConfig struct {
	// Concurrency 单个任务内同时进行的行请求数
	Concurrency int `yaml:"concurrency"`
	// PageSize 每页的行数，页与页之间串行
	PageSize int `yaml:"page_size"`
	// Timeout 单次模型调用超时
	Timeout time.Duration `yaml:"timeout"`
	// MaxWorkers 后台任务的协程池大小
	MaxWorkers int `yaml:"max_workers"`
	// DefaultLimit process 未指定 limit 且表为空时生成的行数
	DefaultLimit int `yaml:"default_limit"`
	// ExampleLimit 作为示例的已校验单元格数量上限
	ExampleLimit int `yaml:"example_limit"`
	// CellPageSize 加载数据集时每列读取的单元格数
	CellPageSize   int  `yaml:"cell_page_size"`
	StreamPartials bool `yaml:"stream_partials"`
}

var (
	cfg  *Config
	once sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		cfg = loadConfig()
	})
	return cfg
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/sheets.db",
		},
		Inference: InferenceConfig{
			DefaultBaseURL: "https://router.huggingface.co/v1",
			Providers: map[string]string{
				"hf-inference": "https://router.huggingface.co/v1",
				"openai":       "https://api.openai.com/v1",
			},
			MaxTokens:   512,
			Temperature: 0.1,
			CacheTTL:    time.Hour,
		},
		Generation: GenerationConfig{
			Concurrency:    5,
			PageSize:       10,
			Timeout:        90 * time.Second,
			MaxWorkers:     2,
			DefaultLimit:   5,
			ExampleLimit:   10,
			CellPageSize:   1000,
			StreamPartials: true,
		},
	}
}

func loadConfig() *Config {
	config := Default()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			klog.Warningf("解析配置文件失败: path=%s, err=%v", configPath, err)
		}
	}

	applyEnv(config)
	config.normalize()
	return config
}

// applyEnv 环境变量优先级高于配置文件
func applyEnv(config *Config) {
	if token := os.Getenv("HF_TOKEN"); token != "" {
		config.Inference.Token = token
	}
	if baseURL := os.Getenv("INFERENCE_BASE_URL"); baseURL != "" {
		config.Inference.DefaultBaseURL = baseURL
	}

	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if dbDSN := os.Getenv("DB_DSN"); dbDSN != "" {
		config.Database.DSN = dbDSN
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}

	if v, ok := envInt("GENERATION_CONCURRENCY"); ok {
		config.Generation.Concurrency = v
	}
	if v, ok := envInt("GENERATION_PAGE_SIZE"); ok {
		config.Generation.PageSize = v
	}
	if v := os.Getenv("GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Generation.Timeout = d
		} else {
			klog.Warningf("GENERATION_TIMEOUT 格式错误: %v", err)
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		klog.Warningf("环境变量 %s 不是整数: %v", key, err)
		return 0, false
	}
	return n, true
}

// normalize 修正非法取值
func (c *Config) normalize() {
	if c.Generation.Concurrency <= 0 {
		c.Generation.Concurrency = 1
	}
	if c.Generation.PageSize <= 0 {
		c.Generation.PageSize = c.Generation.Concurrency
	}
	if c.Generation.MaxWorkers <= 0 {
		c.Generation.MaxWorkers = 1
	}
	if c.Generation.Timeout <= 0 {
		c.Generation.Timeout = 90 * time.Second
	}
	if c.Inference.Providers == nil {
		c.Inference.Providers = map[string]string{}
	}
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
