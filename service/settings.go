package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"math/rand"
	"time"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"

	"github.com/fogleman/gg"
)

var ErrUnknownTest = errors.New("unknown settings test")

// ImageSearcher 图片搜索，SearxngClient 实现
type ImageSearcher interface {
	SearchImages(ctx context.Context, query string) ([]SearchResult, error)
}

type SettingsTest struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type SettingsResult struct {
	SettingsTest
	Success   bool    `json:"success"`
	Result    string  `json:"result"`
	Duration  float64 `json:"duration"`
	Timestamp string  `json:"timestamp"`
}

var settingsTests = []SettingsTest{
	{Key: "outline_llm", Label: "大纲 LLM 检测", Description: "向大纲模型发送测试请求，验证配置是否有效。"},
	{Key: "ppt_llm", Label: "PPT LLM 检测", Description: "向 PPT 模型发送测试请求，确保接口可用。"},
	{Key: "pic_llm", Label: "图片理解模型检测", Description: "生成测试图片并验证图片理解模型是否正常响应。"},
	{Key: "img_search", Label: "图片搜索检测", Description: "调用图片搜索服务，确认可以返回结果。"},
}

// SettingsTester 用当前配置对各个外部依赖发一次探测请求
type SettingsTester struct {
	llm    Completer
	search ImageSearcher
	cfg    *config.Service
	log    *logger.Logger
}

func NewSettingsTester(llm Completer, search ImageSearcher, cfg *config.Service, log *logger.Logger) *SettingsTester {
	return &SettingsTester{llm: llm, search: search, cfg: cfg, log: log.With("component", "settings")}
}

func (t *SettingsTester) List() []SettingsTest {
	return append([]SettingsTest(nil), settingsTests...)
}

func (t *SettingsTester) Run(ctx context.Context, key string) (*SettingsResult, error) {
	var def *SettingsTest
	for i := range settingsTests {
		if settingsTests[i].Key == key {
			def = &settingsTests[i]
			break
		}
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTest, key)
	}

	started := time.Now()
	t.log.Info("running settings test", "key", key)
	out, err := t.run(ctx, key)
	if err != nil {
		t.log.Error("settings test failed", "key", key, "error", err)
		out = err.Error()
	}
	return &SettingsResult{
		SettingsTest: *def,
		Success:      err == nil,
		Result:       out,
		Duration:     time.Since(started).Seconds(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (t *SettingsTester) run(ctx context.Context, key string) (string, error) {
	cfg := t.cfg.Current()
	switch key {
	case "outline_llm":
		return t.llm.TextComplete(ctx, "hi", cfg.OutlineLLM())
	case "ppt_llm":
		return t.llm.TextComplete(ctx, "hi", cfg.PPTLLM())
	case "pic_llm":
		n := cfg.Search.PicNumLimit
		if n <= 0 {
			n = 1
		}
		imgs, err := TestImages(n, time.Now().UnixNano())
		if err != nil {
			return "", err
		}
		return t.llm.VisionComplete(ctx, imgs, "hi", cfg.PicLLM())
	case "img_search":
		if t.search == nil {
			return "", errors.New("image search not configured")
		}
		res, err := t.search.SearchImages(ctx, "哈基米")
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTest, key)
}

// TestImages 生成 n 张 300x200 的彩色测试图（圆 + 方块 + 编号），PNG 编码
func TestImages(n int, seed int64) ([][]byte, error) {
	rnd := rand.New(rand.NewSource(seed))
	randColor := func() color.RGBA {
		return color.RGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255}
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		dc := gg.NewContext(300, 200)
		bg := randColor()
		dc.SetColor(bg)
		dc.Clear()

		dc.SetColor(color.RGBA{255 - bg.R, 255 - bg.G, 255 - bg.B, 255})
		dc.DrawCircle(100, 100, 50)
		dc.Fill()

		dc.SetColor(randColor())
		dc.DrawRectangle(180, 50, 100, 100)
		dc.Fill()

		dc.SetColor(color.Black)
		dc.DrawString(fmt.Sprintf("TestImg_%d", i+1), 10, 20)

		var buf bytes.Buffer
		if err := dc.EncodePNG(&buf); err != nil {
			return nil, fmt.Errorf("encode test image: %w", err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
