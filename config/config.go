package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// LLMConfig 描述一个模型端点
type LLMConfig struct {
	APIType string `yaml:"api_type" json:"api_type"` // openai | gemini
	APIKey  string `yaml:"api_key" json:"api_key"`
	APIURL  string `yaml:"api_url" json:"api_url"`
	Model   string `yaml:"model" json:"model"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Mode string `yaml:"mode"`
	} `yaml:"server"`
	Database struct {
		Dialect string `yaml:"dialect"` // mysql | sqlite
		DSN     string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	LLM struct {
		Outline LLMConfig `yaml:"outline"`
		PPT     LLMConfig `yaml:"ppt"`
		Pic     LLMConfig `yaml:"pic"`
	} `yaml:"llm"`
	Search struct {
		SearxngURL              string `yaml:"searxng_url"`
		PicNumLimit             int    `yaml:"pic_num_limit"`
		ImageDownloadMaxWorkers int    `yaml:"image_download_max_workers"`
	} `yaml:"search"`
	Generation struct {
		DataDir                  string `yaml:"data_dir"`
		HTMLGenerationMaxWorkers int    `yaml:"html_generation_max_workers"`
		SlideTimeoutSeconds      int    `yaml:"slide_timeout_seconds"`
	} `yaml:"generation"`
	Export struct {
		MaxConcurrentTasks   int    `yaml:"max_concurrent_tasks"`
		RenderTimeoutSeconds int    `yaml:"render_timeout_seconds"`
		PPTXCommand          string `yaml:"pptx_command"`
		PPTXTimeoutSeconds   int    `yaml:"pptx_timeout_seconds"`
	} `yaml:"export"`
	Queue struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"queue"`
}

// Default 返回一份可直接使用的默认配置（sqlite + 本地目录）
func Default() Config {
	var c Config
	c.Server.Port = ":8000"
	c.Server.Mode = "dev"
	c.Database.Dialect = "sqlite"
	c.Database.DSN = "data/slides.db"
	c.Redis.Addr = "127.0.0.1:6379"
	c.MinIO.Bucket = "slides"
	c.LLM.Outline.APIType = "openai"
	c.Search.PicNumLimit = 5
	c.Search.ImageDownloadMaxWorkers = 15
	c.Generation.DataDir = "data"
	c.Generation.HTMLGenerationMaxWorkers = 8
	c.Generation.SlideTimeoutSeconds = 600
	c.Export.MaxConcurrentTasks = 4
	c.Export.RenderTimeoutSeconds = 60
	c.Export.PPTXTimeoutSeconds = 600
	c.Queue.Concurrency = 5
	return c
}

// Load 读取 yaml 配置文件，文件不存在时使用默认值
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("配置文件读取失败: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("配置文件解析失败: %w", err)
	}
	return cfg, nil
}

// OutlineLLM 大纲模型
func (c Config) OutlineLLM() LLMConfig { return c.LLM.Outline }

// PPTLLM 幻灯片 HTML 模型，空字段回退到大纲模型
func (c Config) PPTLLM() LLMConfig { return withFallback(c.LLM.PPT, c.LLM.Outline) }

// PicLLM 图片理解模型，空字段回退到大纲模型
func (c Config) PicLLM() LLMConfig { return withFallback(c.LLM.Pic, c.LLM.Outline) }

func withFallback(l, base LLMConfig) LLMConfig {
	if strings.TrimSpace(l.APIType) == "" {
		l.APIType = base.APIType
	}
	if strings.TrimSpace(l.APIKey) == "" {
		l.APIKey = base.APIKey
	}
	if strings.TrimSpace(l.APIURL) == "" {
		l.APIURL = base.APIURL
	}
	if strings.TrimSpace(l.Model) == "" {
		l.Model = base.Model
	}
	return l
}

func (c Config) SlideTimeout() time.Duration {
	return seconds(c.Generation.SlideTimeoutSeconds, 600)
}

func (c Config) RenderTimeout() time.Duration {
	return seconds(c.Export.RenderTimeoutSeconds, 60)
}

func (c Config) PPTXTimeout() time.Duration {
	return seconds(c.Export.PPTXTimeoutSeconds, 600)
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
