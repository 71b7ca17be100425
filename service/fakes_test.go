package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"github.com/stretchr/testify/require"
)

var targetPattern = regexp.MustCompile(`Target slide id: (\S+)`)

// fakeLLM 大纲请求返回固定 JSON，页面请求返回带 id 的 html
type fakeLLM struct {
	mu         sync.Mutex
	outline    string
	outlineErr error
	failSlides map[string]bool
	version    int
	calls      []string
	prompts    map[string]string
	vision     string
	visionN    []int
	onSlide    func(id string)
}

func (f *fakeLLM) TextComplete(ctx context.Context, prompt string, cfg config.LLMConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := targetPattern.FindStringSubmatch(prompt)
	if m == nil {
		if f.outlineErr != nil {
			return "", f.outlineErr
		}
		return f.outline, nil
	}
	id := m[1]
	f.calls = append(f.calls, id)
	if f.onSlide != nil {
		f.onSlide(id)
	}
	if f.prompts == nil {
		f.prompts = map[string]string{}
	}
	f.prompts[id] = prompt
	if f.failSlides[id] {
		return "", errors.New("boom " + id)
	}
	body := "slide " + id
	if f.version > 0 {
		body = fmt.Sprintf("slide %s v%d", id, f.version)
	}
	return "Here you go:\n```html\n<html>" + body + "</html>\n```", nil
}

func (f *fakeLLM) VisionComplete(ctx context.Context, images [][]byte, prompt string, cfg config.LLMConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visionN = append(f.visionN, len(images))
	return f.vision, nil
}

func (f *fakeLLM) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeLLM) promptFor(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[id]
}

const fourSlideOutline = `{"main_title": "test", "chapters": [
  {"chapter_id": 1, "chapter_topic": "one", "slides": [
    {"slide_id": "1.1", "slide_topic": "a", "slide_content": ["x"]},
    {"slide_id": "1.2", "slide_topic": "b", "slide_content": ["y"]}]},
  {"chapter_id": 2, "chapter_topic": "two", "slides": [
    {"slide_id": "2.1", "slide_topic": "c", "slide_content": ["z"]},
    {"slide_id": "2.2", "slide_topic": "d", "slide_content": ["w"]},]},
]}`

type testEnv struct {
	cfg   *config.Service
	store *models.Store
	llm   *fakeLLM
	orch  *Orchestrator
	slide *SlideGenerator
}

func newTestEnv(t *testing.T, llm *fakeLLM) *testEnv {
	t.Helper()
	c := config.Default()
	c.Generation.DataDir = t.TempDir()
	c.Generation.HTMLGenerationMaxWorkers = 4
	c.LLM.Outline.Model = "outline-model"
	cfg := config.NewStatic(c)

	db, err := models.Open("sqlite", ":memory:")
	require.NoError(t, err)
	store := models.NewStore(db)

	log := logger.Nop()
	slides := NewSlideGenerator(llm, cfg, log)
	seq := NewChapterSequencer(store, slides, nil, cfg, log)
	orch := NewOrchestrator(store, NewOutlineGenerator(llm, cfg, log), slides, seq, cfg, log)
	return &testEnv{cfg: cfg, store: store, llm: llm, orch: orch, slide: slides}
}

func (e *testEnv) addProject(t *testing.T, id string) *models.Project {
	t.Helper()
	p := &models.Project{ProjectID: id, ProjectName: "test_20250101_000000", Topic: "test", PageNum: 4,
		Audience: models.DefaultAudience, Style: models.DefaultStyle}
	require.NoError(t, e.store.AddProject(context.Background(), p))
	return p
}

func (e *testEnv) dirs(p *models.Project) ProjectDirs {
	return ProjectPaths(e.cfg.Current().Generation.DataDir, p.ProjectName)
}

// stubRepo 在 Store 之上注入写入失败
type stubRepo struct {
	*models.Store
	addOutlineErr error
	addSlidesErr  error
}

func (r *stubRepo) AddOutline(ctx context.Context, o *models.Outline) error {
	if r.addOutlineErr != nil {
		return r.addOutlineErr
	}
	return r.Store.AddOutline(ctx, o)
}

func (r *stubRepo) AddOutlineSlides(ctx context.Context, projectID string) (int, error) {
	if r.addSlidesErr != nil {
		return 0, r.addSlidesErr
	}
	return r.Store.AddOutlineSlides(ctx, projectID)
}

// withRepo 用给定 Repository 重新组装编排器
func (e *testEnv) withRepo(repo Repository) *Orchestrator {
	log := logger.Nop()
	seq := NewChapterSequencer(repo, e.slide, nil, e.cfg, log)
	return NewOrchestrator(repo, NewOutlineGenerator(e.llm, e.cfg, log), e.slide, seq, e.cfg, log)
}
