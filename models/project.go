package models

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 项目 / 幻灯片 / 导出共用的状态
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	DefaultAudience = "大众"
	DefaultStyle    = "简洁明了"
)

type Project struct {
	ProjectID        string    `gorm:"primaryKey;type:varchar(64)" json:"project_id"`
	ProjectName      string    `gorm:"type:varchar(255)" json:"project_name"`
	Topic            string    `gorm:"type:text" json:"topic"`
	Audience         string    `gorm:"type:varchar(64)" json:"audience"`
	Style            string    `gorm:"type:varchar(64)" json:"style"`
	PageNum          int       `json:"page_num"`
	EnableImgSearch  bool      `json:"enable_img_search"`
	ReferenceContent string    `gorm:"type:text" json:"reference_content"`
	Status           string    `gorm:"type:varchar(16);index" json:"status"`
	PDFStatus        string    `gorm:"column:pdf_status;type:varchar(16)" json:"pdf_status"`
	PPTXStatus       string    `gorm:"column:pptx_status;type:varchar(16)" json:"pptx_status"`
	PDFURL           string    `gorm:"column:pdf_url;type:text" json:"pdf_url"`
	PPTXURL          string    `gorm:"column:pptx_url;type:text" json:"pptx_url"`
	CreateTime       time.Time `gorm:"index" json:"create_time"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}

// ProjectUpdate 只更新非 nil 的字段
type ProjectUpdate struct {
	Status     *string
	PDFStatus  *string
	PPTXStatus *string
	PDFURL     *string
	PPTXURL    *string
}

func Ptr[T any](v T) *T { return &v }

func (s *Store) AddProject(ctx context.Context, p *Project) error {
	if p.CreateTime.IsZero() {
		p.CreateTime = time.Now()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.PDFStatus == "" {
		p.PDFStatus = StatusPending
	}
	if p.PPTXStatus == "" {
		p.PPTXStatus = StatusPending
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("add project %s: %w", p.ProjectID, err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// UpdateProject 按主键更新状态字段，未命中返回 ErrNotFound
func (s *Store) UpdateProject(ctx context.Context, projectID string, u ProjectUpdate) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.PDFStatus != nil {
		updates["pdf_status"] = *u.PDFStatus
	}
	if u.PPTXStatus != nil {
		updates["pptx_status"] = *u.PPTXStatus
	}
	if u.PDFURL != nil {
		updates["pdf_url"] = *u.PDFURL
	}
	if u.PPTXURL != nil {
		updates["pptx_url"] = *u.PPTXURL
	}
	res := s.db.WithContext(ctx).Model(&Project{}).Where("project_id = ?", projectID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TryStartPDFExport 仅当 pdf_status ∈ {pending, failed} 时置为 generating，
// 并发调用时只有一个返回 true
func (s *Store) TryStartPDFExport(ctx context.Context, projectID string) (bool, error) {
	return s.tryStart(ctx, projectID, "pdf_status")
}

func (s *Store) TryStartPPTXExport(ctx context.Context, projectID string) (bool, error) {
	return s.tryStart(ctx, projectID, "pptx_status")
}

func (s *Store) tryStart(ctx context.Context, projectID, column string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Project{}).
		Where("project_id = ? AND "+column+" IN ?", projectID, []string{StatusPending, StatusFailed}).
		Updates(map[string]interface{}{column: StatusGenerating, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	var ps []Project
	if err := s.db.WithContext(ctx).Order("create_time desc").Find(&ps).Error; err != nil {
		return nil, err
	}
	return ps, nil
}

// DeleteProjectWithRelated 单事务内依次删除幻灯片、大纲、项目；项目不存在返回 ErrNotFound
func (s *Store) DeleteProjectWithRelated(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Project{}).Where("project_id = ?", projectID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&OutlineSlide{}).Error; err != nil {
			return fmt.Errorf("delete slides: %w", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&Outline{}).Error; err != nil {
			return fmt.Errorf("delete outline: %w", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&Project{}).Error; err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return nil
	})
}
