package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSlideFiles    = errors.New("no slide html files")
	ErrNothingRendered = errors.New("no slide rendered to pdf")
	ErrEmptyArtifact   = errors.New("artifact missing or empty")
)

// PDFRenderer 把单个 html 文件渲染成单页 pdf
type PDFRenderer interface {
	Render(ctx context.Context, htmlFile, pdfOut string) error
}

// PDFMerger 按给定顺序合并 pdf
type PDFMerger interface {
	Merge(inFiles []string, outFile string) error
}

// PPTXConverter pdf -> pptx，实现方负责进程隔离与超时
type PPTXConverter interface {
	Convert(ctx context.Context, pdfPath, pptxPath string) error
}

// ArtifactStore 导出产物的对象存储，返回可下载的 URL
type ArtifactStore interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
}

// ExportRepository 导出流程需要的持久化操作
type ExportRepository interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	UpdateProject(ctx context.Context, projectID string, u models.ProjectUpdate) error
	TryStartPDFExport(ctx context.Context, projectID string) (bool, error)
}

type Exporter struct {
	repo     ExportRepository
	renderer PDFRenderer
	merger   PDFMerger
	pptx     PPTXConverter
	store    ArtifactStore // 可为 nil，此时使用本地静态路径
	cfg      *config.Service
	log      *logger.Logger
}

func NewExporter(repo ExportRepository, renderer PDFRenderer, merger PDFMerger, pptx PPTXConverter, store ArtifactStore, cfg *config.Service, log *logger.Logger) *Exporter {
	return &Exporter{repo: repo, renderer: renderer, merger: merger, pptx: pptx, store: store, cfg: cfg,
		log: log.With("component", "exporter")}
}

// ExportPDF 调用前 pdf_status 已由条件更新置为 generating
func (e *Exporter) ExportPDF(ctx context.Context, projectID string) error {
	p, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	dirs := e.dirs(p)
	path, err := e.buildPDF(ctx, p, dirs)
	if err != nil {
		e.setStatus(ctx, projectID, models.ProjectUpdate{PDFStatus: models.Ptr(models.StatusFailed)})
		return err
	}
	url := e.publish(ctx, p, path)
	e.setStatus(ctx, projectID, models.ProjectUpdate{PDFStatus: models.Ptr(models.StatusCompleted), PDFURL: &url})
	e.log.Info("pdf exported", "project_id", projectID, "file", path)
	return nil
}

// ExportPPTX 复用已完成的 pdf，否则先生成 pdf 再转换
func (e *Exporter) ExportPPTX(ctx context.Context, projectID string) error {
	p, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	dirs := e.dirs(p)
	pdfPath := dirs.Artifact(p.ProjectName, "pdf")

	if p.PDFStatus != models.StatusCompleted || checkArtifact(pdfPath) != nil {
		// 抢到 pdf 的启动权才回写 pdf 状态，避免覆盖并发的 pdf 导出
		own, err := e.repo.TryStartPDFExport(ctx, projectID)
		if err != nil {
			e.log.Warn("try start pdf export failed", "project_id", projectID, "error", err)
		}
		built, err := e.buildPDF(ctx, p, dirs)
		if err != nil {
			u := models.ProjectUpdate{PPTXStatus: models.Ptr(models.StatusFailed)}
			if own {
				u.PDFStatus = models.Ptr(models.StatusFailed)
			}
			e.setStatus(ctx, projectID, u)
			return err
		}
		pdfPath = built
		if own {
			url := e.publish(ctx, p, built)
			e.setStatus(ctx, projectID, models.ProjectUpdate{PDFStatus: models.Ptr(models.StatusCompleted), PDFURL: &url})
		}
	}

	pptxPath := dirs.Artifact(p.ProjectName, "pptx")
	if err := os.Remove(pptxPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warn("remove stale pptx failed", "file", pptxPath, "error", err)
	}
	if err := e.pptx.Convert(ctx, pdfPath, pptxPath); err != nil {
		e.setStatus(ctx, projectID, models.ProjectUpdate{PPTXStatus: models.Ptr(models.StatusFailed)})
		return fmt.Errorf("convert pptx: %w", err)
	}
	url := e.publish(ctx, p, pptxPath)
	e.setStatus(ctx, projectID, models.ProjectUpdate{PPTXStatus: models.Ptr(models.StatusCompleted), PPTXURL: &url})
	e.log.Info("pptx exported", "project_id", projectID, "file", pptxPath)
	return nil
}

// buildPDF 并发渲染各页（单页失败跳过），按页序合并到 <project_name>.pdf
func (e *Exporter) buildPDF(ctx context.Context, p *models.Project, dirs ProjectDirs) (string, error) {
	files, err := ListSlideFiles(dirs.HTML)
	if err != nil {
		return "", fmt.Errorf("list slide files: %w", err)
	}
	if len(files) == 0 {
		return "", ErrNoSlideFiles
	}
	tmp, err := os.MkdirTemp(dirs.Root, ".export-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	cfg := e.cfg.Current()
	limit := cfg.Export.MaxConcurrentTasks
	if limit <= 0 {
		limit = 1
	}
	timeout := cfg.RenderTimeout()

	outs := make([]string, len(files))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, f := range files {
		out := filepath.Join(tmp, strings.TrimSuffix(filepath.Base(f), ".html")+".pdf")
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := e.renderer.Render(rctx, f, out); err != nil {
				e.log.Warn("render slide failed", "project_id", p.ProjectID, "file", f, "error", err)
				return nil
			}
			if err := checkArtifact(out); err != nil {
				e.log.Warn("rendered pdf empty", "project_id", p.ProjectID, "file", f)
				return nil
			}
			outs[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var ok []string
	for _, o := range outs {
		if o != "" {
			ok = append(ok, o)
		}
	}
	if len(ok) == 0 {
		return "", ErrNothingRendered
	}
	e.log.Info("slides rendered", "project_id", p.ProjectID, "rendered", len(ok), "total", len(files))

	merged := filepath.Join(tmp, "merged.pdf")
	if err := e.merger.Merge(ok, merged); err != nil {
		return "", fmt.Errorf("merge pdf: %w", err)
	}
	if err := checkArtifact(merged); err != nil {
		return "", fmt.Errorf("merge pdf: %w", err)
	}
	final := dirs.Artifact(p.ProjectName, "pdf")
	if err := os.Rename(merged, final); err != nil {
		return "", fmt.Errorf("move merged pdf: %w", err)
	}
	return final, nil
}

// publish 上传到对象存储；未配置或失败时回退到本地静态路径
func (e *Exporter) publish(ctx context.Context, p *models.Project, path string) string {
	name := filepath.Base(path)
	local := "/projects-data/projects/" + p.ProjectName + "/" + name
	if e.store == nil {
		return local
	}
	url, err := e.store.Upload(ctx, path, "projects/"+p.ProjectID+"/"+name)
	if err != nil {
		e.log.Warn("upload artifact failed, using local url", "project_id", p.ProjectID, "file", path, "error", err)
		return local
	}
	return url
}

func (e *Exporter) setStatus(ctx context.Context, projectID string, u models.ProjectUpdate) {
	// 导出终态在渲染超时、任务取消后也要落库
	if err := e.repo.UpdateProject(context.WithoutCancel(ctx), projectID, u); err != nil {
		e.log.Error("update export status failed", "project_id", projectID, "error", err)
	}
}

func (e *Exporter) dirs(p *models.Project) ProjectDirs {
	return ProjectPaths(e.cfg.Current().Generation.DataDir, p.ProjectName)
}

// checkArtifact 退出码不可靠，以文件存在且非空为准
func checkArtifact(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
	}
	if st.IsDir() || st.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
	}
	return nil
}
