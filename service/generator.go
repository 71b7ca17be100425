package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// Repository 编排器用到的持久化操作，models.Store 实现
type Repository interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	UpdateProject(ctx context.Context, projectID string, u models.ProjectUpdate) error
	AddOutline(ctx context.Context, o *models.Outline) error
	GetOutline(ctx context.Context, projectID string) (*models.Outline, error)
	DeleteOutline(ctx context.Context, projectID string) error
	AddOutlineSlides(ctx context.Context, projectID string) (int, error)
	UpdateSlide(ctx context.Context, projectID, slideID string, status, html *string) error
	UpdateSlideImages(ctx context.Context, projectID, slideID string, images models.SlideImages) error
	GetSlide(ctx context.Context, projectID, slideID string) (*models.OutlineSlide, error)
	DeleteSlides(ctx context.Context, projectID string) error
}

// ImageFinder 为单页查找并理解配图
type ImageFinder interface {
	Enrich(ctx context.Context, query, description, imgDir string) (models.SlideImages, error)
}

// ChapterJob 一个章节任务独占的上下文，Doc / Images 不与其它章节共享
type ChapterJob struct {
	ProjectID       string
	EnableImgSearch bool
	Dirs            ProjectDirs
	Doc             models.OutlineDoc
	Images          map[string]models.SlideImages
}

// ChapterSequencer 严格按大纲顺序逐页生成一个章节
type ChapterSequencer struct {
	repo   Repository
	slides *SlideGenerator
	images ImageFinder
	cfg    *config.Service
	log    *logger.Logger
}

func NewChapterSequencer(repo Repository, slides *SlideGenerator, images ImageFinder, cfg *config.Service, log *logger.Logger) *ChapterSequencer {
	return &ChapterSequencer{repo: repo, slides: slides, images: images, cfg: cfg, log: log.With("component", "sequencer")}
}

// Run 单页失败只记录日志并跳过，继续生成本章下一页
func (s *ChapterSequencer) Run(ctx context.Context, job *ChapterJob, chapterID string) error {
	var chapter *models.Chapter
	for i := range job.Doc.Chapters {
		if string(job.Doc.Chapters[i].ChapterID) == chapterID {
			chapter = &job.Doc.Chapters[i]
			break
		}
	}
	if chapter == nil {
		return fmt.Errorf("chapter %s not in outline", chapterID)
	}
	log := s.log.With("project_id", job.ProjectID, "chapter", chapterID)
	log.Info("chapter started", "slides", len(chapter.Slides))

	ids := make([]string, 0, len(chapter.Slides))
	for _, sl := range chapter.Slides {
		ids = append(ids, string(sl.SlideID))
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.generateSlide(ctx, job, id); err != nil {
			log.Error("slide generation failed, skipping", "slide_id", id, "error", err)
			continue
		}
		log.Info("slide generated", "slide_id", id)
	}
	log.Info("chapter finished")
	return nil
}

func (s *ChapterSequencer) generateSlide(ctx context.Context, job *ChapterJob, slideID string) error {
	slide := job.Doc.FindSlide(slideID)
	if slide == nil {
		return fmt.Errorf("slide %s not in outline", slideID)
	}
	if job.EnableImgSearch && s.images != nil && !slide.VisualSuggestions.Empty() && len(job.Images[slideID]) == 0 {
		s.enrich(ctx, job, slideID, *slide.VisualSuggestions)
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.Current().SlideTimeout())
	defer cancel()
	html, err := s.slides.Generate(sctx, &job.Doc, slideID, job.Images[slideID])
	if err != nil {
		return err
	}
	if err := os.WriteFile(job.Dirs.SlideFile(slideID), []byte(html), 0o644); err != nil {
		return fmt.Errorf("write slide file: %w", err)
	}
	if err := s.repo.UpdateSlide(ctx, job.ProjectID, slideID, models.Ptr(models.StatusCompleted), &html); err != nil {
		return fmt.Errorf("persist slide: %w", err)
	}
	// 下一页的版式参考
	job.Doc.SetHTML(slideID, html)
	return nil
}

// enrich 配图失败不影响本页生成
func (s *ChapterSequencer) enrich(ctx context.Context, job *ChapterJob, slideID string, vs models.VisualSuggestion) {
	imgs, err := s.images.Enrich(ctx, vs.SearchKeywords, vs.ImageDescription, job.Dirs.Images)
	if err != nil {
		s.log.Warn("image enrichment failed", "project_id", job.ProjectID, "slide_id", slideID, "error", err)
		return
	}
	if len(imgs) == 0 {
		return
	}
	if job.Images == nil {
		job.Images = map[string]models.SlideImages{}
	}
	job.Images[slideID] = imgs
	if err := s.repo.UpdateSlideImages(ctx, job.ProjectID, slideID, imgs); err != nil {
		s.log.Warn("persist slide images failed", "project_id", job.ProjectID, "slide_id", slideID, "error", err)
	}
}

// Orchestrator 项目级编排：大纲 -> 幻灯片行 -> 第一章同步生成 -> 其余章节并发
type Orchestrator struct {
	repo    Repository
	outline *OutlineGenerator
	slides  *SlideGenerator
	seq     *ChapterSequencer
	cfg     *config.Service
	log     *logger.Logger
}

func NewOrchestrator(repo Repository, outline *OutlineGenerator, slides *SlideGenerator, seq *ChapterSequencer, cfg *config.Service, log *logger.Logger) *Orchestrator {
	return &Orchestrator{repo: repo, outline: outline, slides: slides, seq: seq, cfg: cfg, log: log.With("component", "orchestrator")}
}

func (o *Orchestrator) dirs(p *models.Project) ProjectDirs {
	return ProjectPaths(o.cfg.Current().Generation.DataDir, p.ProjectName)
}

// CreateProject 根据项目行上的参数完整生成一次
func (o *Orchestrator) CreateProject(ctx context.Context, projectID string) error {
	p, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	return o.create(ctx, p, OutlineRequest{
		Topic:            p.Topic,
		Audience:         p.Audience,
		Style:            p.Style,
		PageNum:          p.PageNum,
		ReferenceContent: p.ReferenceContent,
		EnableImgSearch:  p.EnableImgSearch,
	})
}

func (o *Orchestrator) create(ctx context.Context, p *models.Project, req OutlineRequest) error {
	log := o.log.With("project_id", p.ProjectID)
	dirs := o.dirs(p)
	if err := dirs.Ensure(); err != nil {
		o.fail(ctx, p.ProjectID, err)
		return err
	}

	doc, err := o.outline.Generate(ctx, req)
	if err != nil {
		o.fail(ctx, p.ProjectID, err)
		return fmt.Errorf("generate outline: %w", err)
	}

	row := &models.Outline{
		ProjectID:              p.ProjectID,
		Topic:                  req.Topic,
		Audience:               req.Audience,
		Style:                  req.Style,
		PageNum:                req.PageNum,
		ReferenceContent:       req.ReferenceContent,
		EnableImgSearch:        req.EnableImgSearch,
		GlobalVisualSuggestion: datatypes.JSON(doc.GlobalVisualSuggestion),
		OutlineJSON:            datatypes.NewJSONType(doc),
		Images:                 datatypes.NewJSONType(map[string]models.SlideImages{}),
	}
	if len(row.GlobalVisualSuggestion) == 0 {
		row.GlobalVisualSuggestion = datatypes.JSON("{}")
	}
	if err := o.repo.AddOutline(ctx, row); err != nil {
		log.Error("无法将大纲保存到数据库，建议重建项目", "error", err)
		o.fail(ctx, p.ProjectID, err)
		return fmt.Errorf("persist outline: %w", err)
	}
	n, err := o.repo.AddOutlineSlides(ctx, p.ProjectID)
	if err != nil {
		log.Error("无法将幻灯片保存到数据库，建议重建项目", "error", err)
		if derr := o.repo.DeleteOutline(ctx, p.ProjectID); derr != nil {
			log.Warn("rollback outline failed", "error", derr)
		}
		o.fail(ctx, p.ProjectID, err)
		return fmt.Errorf("persist slides: %w", err)
	}
	o.writeSnapshot(dirs, doc)

	if err := o.repo.UpdateProject(ctx, p.ProjectID, models.ProjectUpdate{Status: models.Ptr(models.StatusGenerating)}); err != nil {
		o.fail(ctx, p.ProjectID, err)
		return fmt.Errorf("set generating: %w", err)
	}
	log.Info("outline persisted, generating slides", "slides", n, "chapters", len(doc.Chapters))

	stored, err := o.repo.GetOutline(ctx, p.ProjectID)
	if err != nil {
		o.fail(ctx, p.ProjectID, err)
		return fmt.Errorf("reload outline: %w", err)
	}
	base := &ChapterJob{
		ProjectID:       p.ProjectID,
		EnableImgSearch: req.EnableImgSearch,
		Dirs:            dirs,
		Doc:             stored.Doc(),
		Images:          cloneImages(stored.Images.Data()),
	}
	chapters := base.Doc.Chapters

	// 第一章同步生成，作为全部后续页面的风格基准
	o.runChapter(ctx, base, string(chapters[0].ChapterID))

	workers := o.cfg.Current().Generation.HTMLGenerationMaxWorkers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, ch := range chapters[1:] {
		job := &ChapterJob{
			ProjectID:       base.ProjectID,
			EnableImgSearch: base.EnableImgSearch,
			Dirs:            dirs,
			Doc:             base.Doc.Clone(),
			Images:          cloneImages(base.Images),
		}
		chapterID := string(ch.ChapterID)
		g.Go(func() error {
			o.runChapter(ctx, job, chapterID)
			return nil
		})
	}
	_ = g.Wait()

	// 任务超时后 ctx 已取消，终态仍需写入
	if err := ctx.Err(); err != nil {
		o.fail(ctx, p.ProjectID, err)
		return fmt.Errorf("generate slides: %w", err)
	}
	if err := o.repo.UpdateProject(context.WithoutCancel(ctx), p.ProjectID, models.ProjectUpdate{Status: models.Ptr(models.StatusCompleted)}); err != nil {
		return fmt.Errorf("set completed: %w", err)
	}
	log.Info("project completed")
	return nil
}

// runChapter 章节级别的错误与 panic 都在此处截获，不影响其它章节
func (o *Orchestrator) runChapter(ctx context.Context, job *ChapterJob, chapterID string) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("chapter worker panicked", "project_id", job.ProjectID, "chapter", chapterID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := o.seq.Run(ctx, job, chapterID); err != nil {
		o.log.Error("chapter failed", "project_id", job.ProjectID, "chapter", chapterID, "error", err)
	}
}

// RestartProject 删除全部页面与大纲，按原参数从头重新生成
// 大纲缺失（上次重建失败）时退回到项目行上的参数
func (o *Orchestrator) RestartProject(ctx context.Context, projectID string) error {
	p, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	req := OutlineRequest{
		Topic:            p.Topic,
		Audience:         p.Audience,
		Style:            p.Style,
		PageNum:          p.PageNum,
		ReferenceContent: p.ReferenceContent,
		EnableImgSearch:  p.EnableImgSearch,
	}
	old, err := o.repo.GetOutline(ctx, projectID)
	switch {
	case err == nil:
		req = OutlineRequest{
			Topic:            old.Topic,
			Audience:         old.Audience,
			Style:            old.Style,
			PageNum:          old.PageNum,
			ReferenceContent: old.ReferenceContent,
			EnableImgSearch:  old.EnableImgSearch,
		}
	case !errors.Is(err, models.ErrNotFound):
		o.fail(ctx, projectID, err)
		return fmt.Errorf("load outline %s: %w", projectID, err)
	}

	dirs := o.dirs(p)
	if files, err := filepath.Glob(filepath.Join(dirs.HTML, "*.html")); err == nil {
		for _, f := range files {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				o.log.Warn("remove slide file failed", "file", f, "error", err)
			}
		}
	}
	err = o.repo.UpdateProject(ctx, projectID, models.ProjectUpdate{
		Status:     models.Ptr(models.StatusGenerating),
		PDFStatus:  models.Ptr(models.StatusPending),
		PPTXStatus: models.Ptr(models.StatusPending),
		PDFURL:     models.Ptr(""),
		PPTXURL:    models.Ptr(""),
	})
	if err != nil {
		o.fail(ctx, projectID, err)
		return fmt.Errorf("reset project: %w", err)
	}
	if err := o.repo.DeleteOutline(ctx, projectID); err != nil {
		o.fail(ctx, projectID, err)
		return fmt.Errorf("delete outline: %w", err)
	}
	if err := o.repo.DeleteSlides(ctx, projectID); err != nil {
		o.fail(ctx, projectID, err)
		return fmt.Errorf("delete slides: %w", err)
	}
	o.log.Info("project restarting", "project_id", projectID)
	return o.create(ctx, p, req)
}

// RestartSlide 以同章节前序页面为参考，只重新生成一页
func (o *Orchestrator) RestartSlide(ctx context.Context, projectID, slideID string) (err error) {
	log := o.log.With("project_id", projectID, "slide_id", slideID)
	defer func() {
		if err == nil {
			return
		}
		log.Error("restart slide failed", "error", err)
		if uerr := o.repo.UpdateSlide(ctx, projectID, slideID, models.Ptr(models.StatusFailed), nil); uerr != nil {
			log.Warn("mark slide failed", "error", uerr)
		}
	}()

	chapter, order, err := models.ParseSlideID(slideID)
	if err != nil {
		return err
	}
	outline, err := o.repo.GetOutline(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load outline: %w", err)
	}
	p, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	dirs := o.dirs(p)
	if err := dirs.Ensure(); err != nil {
		return err
	}

	doc := outline.Doc()
	if doc.FindSlide(slideID) == nil {
		return fmt.Errorf("slide %s not in outline", slideID)
	}
	for i := 1; i < order; i++ {
		refID := fmt.Sprintf("%d.%d", chapter, i)
		ref, err := o.repo.GetSlide(ctx, projectID, refID)
		if err != nil {
			continue
		}
		doc.SetHTML(refID, ref.HTMLContent)
	}

	images := outline.ImagesFor(slideID)
	if target, err := o.repo.GetSlide(ctx, projectID, slideID); err == nil && len(target.Images.Data()) > 0 {
		images = target.Images.Data()
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.Current().SlideTimeout())
	defer cancel()
	html, err := o.slides.Generate(sctx, &doc, slideID, images)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dirs.SlideFile(slideID), []byte(html), 0o644); err != nil {
		return fmt.Errorf("write slide file: %w", err)
	}
	if err := o.repo.UpdateSlide(ctx, projectID, slideID, models.Ptr(models.StatusCompleted), &html); err != nil {
		return fmt.Errorf("persist slide: %w", err)
	}
	o.invalidateExports(ctx, projectID)
	log.Info("slide regenerated")
	return nil
}

// invalidateExports 已导出的 pdf/pptx 与页面内容不再一致，重置为 pending；进行中的导出不动
func (o *Orchestrator) invalidateExports(ctx context.Context, projectID string) {
	p, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return
	}
	var u models.ProjectUpdate
	if p.PDFStatus != models.StatusGenerating && p.PDFStatus != models.StatusPending {
		u.PDFStatus, u.PDFURL = models.Ptr(models.StatusPending), models.Ptr("")
	}
	if p.PPTXStatus != models.StatusGenerating && p.PPTXStatus != models.StatusPending {
		u.PPTXStatus, u.PPTXURL = models.Ptr(models.StatusPending), models.Ptr("")
	}
	if u.PDFStatus == nil && u.PPTXStatus == nil {
		return
	}
	if err := o.repo.UpdateProject(ctx, projectID, u); err != nil {
		o.log.Warn("reset export status failed", "project_id", projectID, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, projectID string, cause error) {
	o.log.Error("project setup failed", "project_id", projectID, "error", cause)
	if err := o.repo.UpdateProject(context.WithoutCancel(ctx), projectID, models.ProjectUpdate{Status: models.Ptr(models.StatusFailed)}); err != nil {
		o.log.Warn("mark project failed", "project_id", projectID, "error", err)
	}
}

// writeSnapshot outline.json 仅供查看，写失败不影响流程
func (o *Orchestrator) writeSnapshot(dirs ProjectDirs, doc models.OutlineDoc) {
	b, err := json.MarshalIndent(doc, "", "    ")
	if err == nil {
		err = os.WriteFile(dirs.OutlineFile, b, 0o644)
	}
	if err != nil {
		o.log.Warn("write outline snapshot failed", "file", dirs.OutlineFile, "error", err)
	}
}

func cloneImages(in map[string]models.SlideImages) map[string]models.SlideImages {
	out := make(map[string]models.SlideImages, len(in))
	for k, v := range in {
		m := make(models.SlideImages, len(v))
		for p, info := range v {
			m[p] = info
		}
		out[k] = m
	}
	return out
}
