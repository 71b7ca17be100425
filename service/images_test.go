package service

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{200, 10, 10, 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalizeImageDownscales(t *testing.T) {
	out, w, h, err := NormalizeImage(pngBytes(t, 2048, 1024))
	require.NoError(t, err)
	assert.Equal(t, 2048, w)
	assert.Equal(t, 1024, h)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Width)
	assert.Equal(t, 512, cfg.Height)

	_, _, _, err = NormalizeImage([]byte("not an image"))
	assert.Error(t, err)
}

func TestImageEnricher(t *testing.T) {
	var searches int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&searches, 1)
		assert.Equal(t, "cats", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []SearchResult{
			{ImgSrc: srv.URL + "/img/a.png", Title: "A"},
			{ImgSrc: srv.URL + "/img/missing.png", ThumbnailSrc: srv.URL + "/img/thumb.png", Title: "B"},
			{ImgSrc: "https://www.artic.edu/x.jpg", Title: "blocked"},
		}})
	})
	mux.HandleFunc("/img/a.png", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(pngBytes(t, 40, 30)) })
	mux.HandleFunc("/img/thumb.png", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(pngBytes(t, 30, 20)) })

	c := config.Default()
	c.Search.SearxngURL = srv.URL + "/search"
	cfg := config.NewStatic(c)
	llm := &fakeLLM{vision: "```json\n[{\"img_id\": 2, \"img_description\": \"second\"}, {\"img_id\": \"9\", \"img_description\": \"bogus\"}]\n```"}
	search := NewSearxngClient(cfg, logger.Nop())
	search.RetryWait = 0
	e := NewImageEnricher(search, llm, cfg, logger.Nop())

	dir := t.TempDir()
	imgs, err := e.Enrich(context.Background(), "cats", "a cat", dir)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, llm.visionN)
	require.Len(t, imgs, 1)

	key := "../images/" + urlHash(srv.URL+"/img/missing.png") + ".jpg"
	info, ok := imgs[key]
	require.True(t, ok, "got %v", imgs)
	assert.Equal(t, "second", info.Description)
	assert.Equal(t, 30, info.Width)
	assert.Equal(t, 20, info.Height)
	assert.FileExists(t, filepath.Join(dir, filepath.Base(key)))
	assert.EqualValues(t, 1, atomic.LoadInt32(&searches))
}

func TestSearchImagesRetriesEmpty(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			_, _ = w.Write([]byte(`{"results": []}`))
			return
		}
		_, _ = w.Write([]byte(`{"results": [{"img_src": "https://example.com/a.png"}]}`))
	}))
	defer srv.Close()

	c := config.Default()
	c.Search.SearxngURL = srv.URL
	s := NewSearxngClient(config.NewStatic(c), logger.Nop())
	s.RetryWait = 0

	res, err := s.SearchImages(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

// fakeFinder 为固定页面返回一张图
type fakeFinder struct {
	images models.SlideImages
	calls  int32
}

func (f *fakeFinder) Enrich(ctx context.Context, query, description, imgDir string) (models.SlideImages, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.images, nil
}

func TestSequencerUsesImages(t *testing.T) {
	outline := `{"chapters": [{"chapter_id": 1, "slides": [
	  {"slide_id": "1.1", "visual_suggestions": {"search_keywords": "cat", "image_description": "a cat"}},
	  {"slide_id": "1.2"}]}]}`
	env := newTestEnv(t, &fakeLLM{outline: outline})
	finder := &fakeFinder{images: models.SlideImages{"../images/abc123.jpg": {Title: "cat", Width: 10, Height: 5}}}
	log := logger.Nop()
	seq := NewChapterSequencer(env.store, env.slide, finder, env.cfg, log)
	env.orch = NewOrchestrator(env.store, NewOutlineGenerator(env.llm, env.cfg, log), env.slide, seq, env.cfg, log)

	ctx := context.Background()
	p := &models.Project{ProjectID: "p1", ProjectName: "img_20250101_000000", Topic: "cats", PageNum: 2, EnableImgSearch: true}
	require.NoError(t, env.store.AddProject(ctx, p))
	require.NoError(t, env.orch.CreateProject(ctx, "p1"))

	assert.EqualValues(t, 1, atomic.LoadInt32(&finder.calls))
	assert.Contains(t, env.llm.promptFor("1.1"), "图片路径: ../images/abc123.jpg")
	assert.NotContains(t, env.llm.promptFor("1.2"), "图片路径")

	s, err := env.store.GetSlide(ctx, "p1", "1.1")
	require.NoError(t, err)
	assert.Contains(t, s.Images.Data(), "../images/abc123.jpg")

	_, err = os.Stat(env.dirs(p).SlideFile("1.2"))
	assert.NoError(t, err)
}
