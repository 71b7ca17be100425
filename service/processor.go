package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"github.com/hibiken/asynq"
)

// ProjectRunner 生成类任务的执行者，Orchestrator 实现
type ProjectRunner interface {
	CreateProject(ctx context.Context, projectID string) error
	RestartProject(ctx context.Context, projectID string) error
	RestartSlide(ctx context.Context, projectID, slideID string) error
}

// ExportRunner 导出类任务的执行者，Exporter 实现
type ExportRunner interface {
	ExportPDF(ctx context.Context, projectID string) error
	ExportPPTX(ctx context.Context, projectID string) error
}

// TaskRepository 处理器用到的持久化操作
type TaskRepository interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, progress int, message string, result *models.TaskResult, errMsg string) error
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	TryStartPPTXExport(ctx context.Context, projectID string) (bool, error)
}

// Processor 处理队列任务
type Processor struct {
	repo     TaskRepository
	projects ProjectRunner
	exports  ExportRunner
	log      *logger.Logger
	srv      *asynq.Server
}

func NewProcessor(repo TaskRepository, projects ProjectRunner, exports ExportRunner, log *logger.Logger) *Processor {
	return &Processor{repo: repo, projects: projects, exports: exports, log: log.With("component", "processor")}
}

// Start 启动任务消费者
func (p *Processor) Start(cfg config.Config) {
	concurrency := cfg.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	p.srv = asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateTask, p.HandleGenerateTask)

	p.log.Info("Starting Task Processor", "concurrency", concurrency)
	go func() {
		if err := p.srv.Run(mux); err != nil {
			p.log.Fatal("could not run server", "error", err)
		}
	}()
}

func (p *Processor) Shutdown() {
	if p.srv != nil {
		p.srv.Shutdown()
	}
}

// HandleGenerateTask asynq 入口，解析 payload 后交给 Process
func (p *Processor) HandleGenerateTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.Process(ctx, payload.TaskID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// Process 执行一条任务并回写任务状态
func (p *Processor) Process(ctx context.Context, taskID string) error {
	task, err := p.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task not found: %w", err)
	}
	log := p.log.With("task_id", task.ID, "type", task.Type, "project_id", task.ProjectId)
	log.Info("Processing Task")
	if err := p.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusProcessing, 10, "started", nil, ""); err != nil {
		log.Warn("UpdateStatus processing failed", "error", err)
	}

	result, err := p.dispatch(ctx, task)
	// asynq 超时后 ctx 已取消，终态仍需写入
	done := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("task failed", "error", err)
		if uerr := p.repo.UpdateTaskStatus(done, task.ID, models.TaskStatusFailed, 100, "", nil, err.Error()); uerr != nil {
			log.Warn("UpdateStatus failed failed", "error", uerr)
		}
		return err
	}
	if err := p.repo.UpdateTaskStatus(done, task.ID, models.TaskStatusSuccess, 100, "done", result, ""); err != nil {
		log.Warn("UpdateStatus finished failed", "error", err)
	}
	log.Info("Task completed successfully")
	return nil
}

func (p *Processor) dispatch(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	switch task.Type {
	case models.TaskTypeCreateProject:
		if err := p.projects.CreateProject(ctx, task.ProjectId); err != nil {
			return nil, err
		}
		return &models.TaskResult{ResourceType: "slides"}, nil

	case models.TaskTypeRestartProject:
		if err := p.projects.RestartProject(ctx, task.ProjectId); err != nil {
			return nil, err
		}
		return &models.TaskResult{ResourceType: "slides"}, nil

	case models.TaskTypeRestartSlide:
		if task.SlideId == "" {
			return nil, errors.New("restart_slide task without slide id")
		}
		if err := p.projects.RestartSlide(ctx, task.ProjectId, task.SlideId); err != nil {
			return nil, err
		}
		return &models.TaskResult{ResourceType: "slides"}, nil

	case models.TaskTypeExportPDF:
		if err := p.exports.ExportPDF(ctx, task.ProjectId); err != nil {
			return nil, err
		}
		if task.Parameters.Export != nil && task.Parameters.Export.ContinueToPPTX {
			started, err := p.repo.TryStartPPTXExport(ctx, task.ProjectId)
			if err != nil {
				return nil, err
			}
			if started {
				if err := p.exports.ExportPPTX(ctx, task.ProjectId); err != nil {
					return nil, err
				}
				return p.artifact(ctx, task.ProjectId, "pptx")
			}
		}
		return p.artifact(ctx, task.ProjectId, "pdf")

	case models.TaskTypeExportPPTX:
		if err := p.exports.ExportPPTX(ctx, task.ProjectId); err != nil {
			return nil, err
		}
		return p.artifact(ctx, task.ProjectId, "pptx")
	}
	return nil, fmt.Errorf("unknown task type: %s", task.Type)
}

func (p *Processor) artifact(ctx context.Context, projectID, kind string) (*models.TaskResult, error) {
	pr, err := p.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	url := pr.PDFURL
	if kind == "pptx" {
		url = pr.PPTXURL
	}
	return &models.TaskResult{ResourceType: kind, ResourceUrl: url}, nil
}
