package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 任务状态
const (
	// pending: 任务已入库，等待队列消费
	TaskStatusPending = "pending"
	// processing: 任务正在执行中
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "finished"
	TaskStatusFailed     = "failed"

	TaskTypeCreateProject  = "create_project"  // 主题 -> 大纲 -> 全部幻灯片
	TaskTypeRestartProject = "restart_project" // 整个项目重新生成
	TaskTypeRestartSlide   = "restart_slide"   // 单页重新生成
	TaskTypeExportPDF      = "export_pdf"      // html -> pdf
	TaskTypeExportPPTX     = "export_pptx"     // pdf -> pptx
)

type Task struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId  string         `gorm:"type:varchar(64);index" json:"projectId"`
	SlideId    string         `gorm:"type:varchar(32)" json:"slideId,omitempty"`
	Type       string         `gorm:"type:varchar(32)" json:"type"`
	Status     string         `gorm:"type:varchar(16)" json:"status"`
	Progress   int            `json:"progress"`
	Message    string         `gorm:"type:text" json:"message"`
	Parameters TaskParameters `gorm:"type:json" json:"parameters"`
	Result     TaskResult     `gorm:"type:json" json:"result"`
	Error      string         `gorm:"type:text" json:"error"`
	StartedAt  *time.Time     `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (Task) TableName() string {
	return "task"
}

type TaskParameters struct {
	Export *ExportParams `json:"export,omitempty"`
}

type ExportParams struct {
	// 导出 pdf 完成后是否继续转 pptx
	ContinueToPPTX bool `json:"continue_to_pptx"`
}

// TaskResult 仅保留最小资源定位信息
type TaskResult struct {
	ResourceType string `json:"resource_type,omitempty"` // pdf / pptx / slides
	ResourceUrl  string `json:"resource_url,omitempty"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (p TaskParameters) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (p *TaskParameters) Scan(value interface{}) error {
	return scanJSON(value, p)
}

func (r TaskResult) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *TaskResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
}

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListTasks 某项目的任务，最新的在前
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	var ts []Task
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at desc").Find(&ts).Error
	return ts, err
}

// UpdateTaskStatus 更新任务状态；processing 记录开始时间，终态记录结束时间
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string, progress int, message string, result *TaskResult, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"progress":   progress,
		"updated_at": now,
	}
	if message != "" {
		updates["message"] = message
	}
	if result != nil {
		updates["result"] = *result
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	switch status {
	case TaskStatusProcessing:
		updates["started_at"] = now
	case TaskStatusSuccess, TaskStatusFailed:
		updates["finished_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
