package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "image/gif"
	_ "image/png"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

const (
	MaxImageBytes  = 100 * 1024 * 1024
	maxImageSide   = 1024
	imageUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// 有反爬机制的图片域名
var blockedImageDomains = map[string]bool{
	"www.artic.edu": true,
}

// SearchResult SearXNG 返回的单条结果
type SearchResult struct {
	URL          string  `json:"url"`
	ImgSrc       string  `json:"img_src"`
	ThumbnailSrc string  `json:"thumbnail_src"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
}

type SearxngClient struct {
	HTTP        *http.Client
	MaxAttempts int
	RetryWait   time.Duration
	cfg         *config.Service
	log         *logger.Logger
}

func NewSearxngClient(cfg *config.Service, log *logger.Logger) *SearxngClient {
	return &SearxngClient{
		HTTP:        &http.Client{Timeout: 40 * time.Second},
		MaxAttempts: 3,
		RetryWait:   3 * time.Second,
		cfg:         cfg,
		log:         log.With("component", "searxng"),
	}
}

// SearchImages 调用 google_images,bing_images 引擎；空结果也视为失败并重试
func (c *SearxngClient) SearchImages(ctx context.Context, query string) ([]SearchResult, error) {
	base := strings.TrimSpace(c.cfg.Current().Search.SearxngURL)
	if base == "" {
		return nil, errors.New("searxng_url not configured")
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("engines", "google_images,bing_images")
	params.Set("categories", "images")
	endpoint := base
	if strings.Contains(base, "?") {
		endpoint += "&" + params.Encode()
	} else {
		endpoint += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		results, err := c.searchOnce(ctx, endpoint)
		if err == nil {
			return results, nil
		}
		lastErr = err
		c.log.Warn("image search failed", "query", query, "attempt", attempt, "error", err)
		if attempt == c.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.RetryWait):
		}
	}
	return nil, fmt.Errorf("search %q failed after %d attempts: %w", query, c.MaxAttempts, lastErr)
}

func (c *SearxngClient) searchOnce(ctx context.Context, endpoint string) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("searxng http %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode searxng response: %w", err)
	}
	if len(out.Results) == 0 {
		return nil, errors.New("empty search results")
	}
	return out.Results, nil
}

// ImageEnricher 搜索候选图片、并发下载，再让视觉模型挑选并描述
type ImageEnricher struct {
	search *SearxngClient
	llm    Completer
	cfg    *config.Service
	HTTP   *http.Client
	log    *logger.Logger
}

func NewImageEnricher(search *SearxngClient, llm Completer, cfg *config.Service, log *logger.Logger) *ImageEnricher {
	return &ImageEnricher{
		search: search,
		llm:    llm,
		cfg:    cfg,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
		log:    log.With("component", "images"),
	}
}

type candidate struct {
	file string
	info models.ImageInfo
	jpeg []byte
}

// Enrich 返回 图片相对路径(相对 html_files) -> 图片信息；imgDir 为项目 images 目录
func (e *ImageEnricher) Enrich(ctx context.Context, query, description, imgDir string) (models.SlideImages, error) {
	cfg := e.cfg.Current()
	results, err := e.search.SearchImages(ctx, query)
	if err != nil {
		return nil, err
	}
	if limit := cfg.Search.PicNumLimit; limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var cands []*candidate
	for _, r := range results {
		imgURL := normalizeURL(r.ImgSrc)
		if imgURL == "" {
			continue
		}
		u, err := url.Parse(imgURL)
		if err != nil || blockedImageDomains[strings.ToLower(u.Hostname())] {
			continue
		}
		file := filepath.Join(imgDir, urlHash(imgURL)+".jpg")
		if seen[file] {
			continue
		}
		seen[file] = true
		cands = append(cands, &candidate{
			file: file,
			info: models.ImageInfo{
				ImgURL:       imgURL,
				ThumbnailURL: normalizeURL(r.ThumbnailSrc),
				Title:        truncateRunes(r.Title, 100),
				Content:      truncateRunes(r.Content, 100),
				FilePath:     file,
			},
		})
	}

	workers := cfg.Search.ImageDownloadMaxWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			if err := e.fetch(gctx, c); err != nil {
				e.log.Warn("image download failed", "url", c.info.ImgURL, "error", err)
				c.jpeg = nil
			}
			return nil
		})
	}
	_ = g.Wait()

	var ok []*candidate
	for _, c := range cands {
		if len(c.jpeg) > 0 {
			ok = append(ok, c)
		}
	}
	if len(ok) == 0 {
		return models.SlideImages{}, nil
	}
	return e.understand(ctx, description, ok)
}

func (e *ImageEnricher) understand(ctx context.Context, description string, cands []*candidate) (models.SlideImages, error) {
	var info strings.Builder
	images := make([][]byte, 0, len(cands))
	for i, c := range cands {
		fmt.Fprintf(&info, "\n图片编号 %d : 标题: %s, 简介: %s, 图片链接: %s 分辨率: %dx%d\n",
			i+1, c.info.Title, c.info.Content, truncate(c.info.ImgURL, 200), c.info.Height, c.info.Width)
		images = append(images, c.jpeg)
	}
	prompt, err := renderPrompt(promptPicUnderstand, map[string]string{
		"Description": description,
		"ImagesInfo":  info.String(),
	})
	if err != nil {
		return nil, err
	}
	rsp, err := e.llm.VisionComplete(ctx, images, prompt, e.cfg.Current().PicLLM())
	if err != nil {
		return nil, fmt.Errorf("pic understand: %w", err)
	}
	var picks []struct {
		ImgID          models.FlexString `json:"img_id"`
		ImgDescription string            `json:"img_description"`
	}
	if err := ResponseToList(rsp, &picks); err != nil {
		return nil, err
	}

	out := models.SlideImages{}
	for _, p := range picks {
		id, err := strconv.Atoi(string(p.ImgID))
		if err != nil || id < 1 || id > len(cands) {
			e.log.Warn("invalid image id from model", "img_id", p.ImgID, "valid", len(cands))
			continue
		}
		c := cands[id-1]
		info := c.info
		info.Description = p.ImgDescription
		out[filepath.ToSlash(filepath.Join("..", "images", filepath.Base(c.file)))] = info
	}
	return out, nil
}

// fetch 下载（失败时退回缩略图）、解码、缩放并以 JPEG 落盘
func (e *ImageEnricher) fetch(ctx context.Context, c *candidate) error {
	raw, err := os.ReadFile(c.file)
	if err != nil {
		raw, err = e.download(ctx, c.info.ImgURL)
		if err != nil && c.info.ThumbnailURL != "" {
			e.log.Debug("falling back to thumbnail", "url", c.info.ThumbnailURL)
			raw, err = e.download(ctx, c.info.ThumbnailURL)
		}
		if err != nil {
			return err
		}
	}
	encoded, w, h, err := NormalizeImage(raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.file, encoded, 0o644); err != nil {
		return err
	}
	c.jpeg = encoded
	c.info.Width, c.info.Height = w, h
	return nil
}

func (e *ImageEnricher) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", imageUserAgent)
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if u, err := url.Parse(rawURL); err == nil {
		req.Header.Set("Referer", u.Scheme+"://"+u.Host)
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxImageBytes {
		return nil, fmt.Errorf("image too large: %d bytes", resp.ContentLength)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxImageBytes {
		return nil, errors.New("image too large")
	}
	return b, nil
}

// NormalizeImage 解码 png/jpeg/gif/webp，长边超过 1024 时等比缩小，统一编码为 JPEG；
// 返回原图宽高
func NormalizeImage(raw []byte) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, 0, 0, errors.New("empty image")
	}

	dw, dh := w, h
	if w > maxImageSide || h > maxImageSide {
		if w >= h {
			dw, dh = maxImageSide, h*maxImageSide/w
		} else {
			dw, dh = w*maxImageSide/h, maxImageSide
		}
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
	}
	// JPEG 不支持透明，先铺白底
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), w, h, nil
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case !strings.HasPrefix(u, "http"):
		return "https://" + u
	}
	return u
}

func urlHash(u string) string {
	sum := md5.Sum([]byte(u))
	return hex.EncodeToString(sum[:])[:6]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
