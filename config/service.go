package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// field 描述一个可在运行时覆盖的配置项（键名沿用 .env 变量名）
type field struct {
	get    func(c *Config) string
	set    func(c *Config, v string) error
	secret bool
}

func strField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = strings.TrimSpace(v); return nil },
	}
}

func secretField(p func(c *Config) *string) field {
	f := strField(p)
	f.secret = true
	return f
}

func intField(p func(c *Config) *int) field {
	return field{
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n <= 0 {
				return fmt.Errorf("需要正整数, got %q", v)
			}
			*p(c) = n
			return nil
		},
	}
}

var fields = map[string]field{
	"OUTLINE_API_TYPE": strField(func(c *Config) *string { return &c.LLM.Outline.APIType }),
	"OUTLINE_API_KEY":  secretField(func(c *Config) *string { return &c.LLM.Outline.APIKey }),
	"OUTLINE_API_URL":  strField(func(c *Config) *string { return &c.LLM.Outline.APIURL }),
	"OUTLINE_MODEL":    strField(func(c *Config) *string { return &c.LLM.Outline.Model }),
	"PPT_API_TYPE":     strField(func(c *Config) *string { return &c.LLM.PPT.APIType }),
	"PPT_API_KEY":      secretField(func(c *Config) *string { return &c.LLM.PPT.APIKey }),
	"PPT_API_URL":      strField(func(c *Config) *string { return &c.LLM.PPT.APIURL }),
	"PPT_MODEL":        strField(func(c *Config) *string { return &c.LLM.PPT.Model }),
	"PIC_API_TYPE":     strField(func(c *Config) *string { return &c.LLM.Pic.APIType }),
	"PIC_API_KEY":      secretField(func(c *Config) *string { return &c.LLM.Pic.APIKey }),
	"PIC_API_URL":      strField(func(c *Config) *string { return &c.LLM.Pic.APIURL }),
	"PIC_MODEL":        strField(func(c *Config) *string { return &c.LLM.Pic.Model }),
	"PIC_NUM_LIMIT":    intField(func(c *Config) *int { return &c.Search.PicNumLimit }),
	"SEARXNG_URL":      strField(func(c *Config) *string { return &c.Search.SearxngURL }),

	"IMAGE_DOWNLOAD_MAX_WORKERS":       intField(func(c *Config) *int { return &c.Search.ImageDownloadMaxWorkers }),
	"HTML_GENERATION_MAX_WORKERS":      intField(func(c *Config) *int { return &c.Generation.HTMLGenerationMaxWorkers }),
	"HTML2OFFICE_MAX_CONCURRENT_TASKS": intField(func(c *Config) *int { return &c.Export.MaxConcurrentTasks }),
	"SLIDE_TIMEOUT_SECONDS":            intField(func(c *Config) *int { return &c.Generation.SlideTimeoutSeconds }),
	"PPTX_TIMEOUT_SECONDS":             intField(func(c *Config) *int { return &c.Export.PPTXTimeoutSeconds }),
}

// processEnvFields 只能来自 yaml 或进程环境变量，不接受 env 文件与运行时覆盖
var processEnvFields = map[string]field{
	"PPTX_COMMAND": strField(func(c *Config) *string { return &c.Export.PPTXCommand }),
}

// Service 进程内唯一的配置服务，构造一次后注入各组件
type Service struct {
	mu      sync.RWMutex
	path    string
	envPath string
	cfg     Config
}

// NewService 加载 yaml 配置并叠加 env 文件与进程环境变量
func NewService(path, envPath string) (*Service, error) {
	s := &Service{path: path, envPath: envPath}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic 直接使用给定配置（不读写任何文件）
func NewStatic(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// Current 返回当前配置的副本
func (s *Service) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Get 按 .env 键名读取配置值
func (s *Service) Get(key string) (string, bool) {
	f, ok := fields[strings.ToUpper(key)]
	if !ok {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return f.get(&s.cfg), true
}

// Keys 返回所有可覆盖的键名（已排序）
func (s *Service) Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Masked 返回所有键值，密钥字段做脱敏
func (s *Service) Masked() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(fields))
	for k, f := range fields {
		v := f.get(&s.cfg)
		if f.secret && v != "" {
			if len(v) > 6 {
				v = v[:6] + "..."
			} else {
				v = "***"
			}
		}
		out[k] = v
	}
	return out
}

// Update 校验并应用覆盖项；全部合法才生效，并写回 env 文件
func (s *Service) Update(overrides map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	for k, v := range overrides {
		key := strings.ToUpper(k)
		if _, ok := processEnvFields[key]; ok {
			return fmt.Errorf("配置项 %s 只能通过配置文件或进程环境变量设置", k)
		}
		f, ok := fields[key]
		if !ok {
			return fmt.Errorf("未知配置项: %s", k)
		}
		if err := f.set(&next, v); err != nil {
			return fmt.Errorf("配置项 %s 非法: %w", k, err)
		}
	}
	if s.envPath != "" {
		env, err := godotenv.Read(s.envPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("读取 env 文件失败: %w", err)
			}
			env = map[string]string{}
		}
		for k, v := range overrides {
			env[strings.ToUpper(k)] = strings.TrimSpace(v)
		}
		if err := godotenv.Write(env, s.envPath); err != nil {
			return fmt.Errorf("写入 env 文件失败: %w", err)
		}
	}
	s.cfg = next
	return nil
}

// Reload 重新读取 yaml 与 env 文件
func (s *Service) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	env := map[string]string{}
	if s.envPath != "" {
		fileEnv, err := godotenv.Read(s.envPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("读取 env 文件失败: %w", err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	// 进程环境变量优先于 env 文件
	for k := range fields {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range env {
		f, ok := fields[strings.ToUpper(k)]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := f.set(&cfg, v); err != nil {
			return fmt.Errorf("配置项 %s 非法: %w", k, err)
		}
	}
	for k, f := range processEnvFields {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			_ = f.set(&cfg, v)
		}
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
