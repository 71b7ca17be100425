package models

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OutlineSlide struct {
	ProjectID        string                               `gorm:"primaryKey;type:varchar(64)" json:"project_id"`
	SlideID          string                               `gorm:"primaryKey;type:varchar(32)" json:"slide_id"`
	ChapterID        int                                  `gorm:"index" json:"chapter_id"`
	ChapterTitle     string                               `gorm:"type:varchar(255)" json:"chapter_title"`
	SlideOrder       int                                  `json:"slide_order"`
	SlideTopic       string                               `gorm:"type:varchar(255)" json:"slide_topic"`
	SlideContent     datatypes.JSONSlice[string]          `json:"slide_content"`
	HTMLContent      string                               `gorm:"column:html_content;type:longtext" json:"html_content"`
	VisualSuggestion datatypes.JSONType[VisualSuggestion] `json:"visual_suggestion"`
	Images           datatypes.JSONType[SlideImages]      `json:"images"`
	Status           string                               `gorm:"type:varchar(16);index" json:"status"`
	UpdatedAt        time.Time                            `json:"updated_at"`
}

func (OutlineSlide) TableName() string {
	return "outline_slide"
}

// SlideStatusCounts 各状态的幻灯片数量
type SlideStatusCounts struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Generating int64 `json:"generating"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// ParseSlideID "3.12" -> (3, 12)
func ParseSlideID(id string) (chapter, order int, err error) {
	c, o, ok := strings.Cut(strings.TrimSpace(id), ".")
	if !ok {
		return 0, 0, fmt.Errorf("非法 slide id: %q", id)
	}
	if chapter, err = strconv.Atoi(c); err != nil {
		return 0, 0, fmt.Errorf("非法 slide id: %q", id)
	}
	if order, err = strconv.Atoi(o); err != nil {
		return 0, 0, fmt.Errorf("非法 slide id: %q", id)
	}
	return chapter, order, nil
}

// SlidesFromOutline 由大纲 JSON 推导出全部幻灯片行（每个 slide 条目一行）
func SlidesFromOutline(projectID string, doc OutlineDoc) ([]OutlineSlide, error) {
	var rows []OutlineSlide
	for _, ch := range doc.Chapters {
		chapterID, err := strconv.Atoi(string(ch.ChapterID))
		if err != nil {
			return nil, fmt.Errorf("非法 chapter id: %q", ch.ChapterID)
		}
		title := ch.ChapterTitle
		if title == "" {
			title = ch.ChapterTopic
		}
		for _, sl := range ch.Slides {
			_, order, err := ParseSlideID(string(sl.SlideID))
			if err != nil {
				return nil, err
			}
			row := OutlineSlide{
				ProjectID:    projectID,
				SlideID:      string(sl.SlideID),
				ChapterID:    chapterID,
				ChapterTitle: title,
				SlideOrder:   order,
				SlideTopic:   sl.SlideTopic,
				SlideContent: datatypes.JSONSlice[string](append([]string{}, sl.SlideContent...)),
				Images:       datatypes.NewJSONType(SlideImages{}),
				Status:       StatusPending,
			}
			if sl.VisualSuggestions != nil {
				row.VisualSuggestion = datatypes.NewJSONType(*sl.VisualSuggestions)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// AddOutlineSlides 读取已持久化的大纲并在单事务内批量建立幻灯片行，返回行数
func (s *Store) AddOutlineSlides(ctx context.Context, projectID string) (int, error) {
	o, err := s.GetOutline(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load outline: %w", err)
	}
	rows, err := SlidesFromOutline(projectID, o.OutlineJSON.Data())
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("大纲中没有任何幻灯片: %s", projectID)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return 0, fmt.Errorf("add slides: %w", err)
	}
	return len(rows), nil
}

// UpdateSlide 更新单个幻灯片的状态 / html（空值不更新），未命中返回 ErrNotFound
func (s *Store) UpdateSlide(ctx context.Context, projectID, slideID string, status, html *string) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if status != nil {
		updates["status"] = *status
	}
	if html != nil {
		updates["html_content"] = *html
	}
	res := s.db.WithContext(ctx).Model(&OutlineSlide{}).
		Where("project_id = ? AND slide_id = ?", projectID, slideID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSlideImages(ctx context.Context, projectID, slideID string, images SlideImages) error {
	res := s.db.WithContext(ctx).Model(&OutlineSlide{}).
		Where("project_id = ? AND slide_id = ?", projectID, slideID).
		Updates(map[string]interface{}{"images": datatypes.NewJSONType(images), "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSlide(ctx context.Context, projectID, slideID string) (*OutlineSlide, error) {
	var sl OutlineSlide
	err := s.db.WithContext(ctx).First(&sl, "project_id = ? AND slide_id = ?", projectID, slideID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sl, nil
}

func (s *Store) ListSlides(ctx context.Context, projectID string) ([]OutlineSlide, error) {
	var out []OutlineSlide
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("chapter_id asc, slide_order asc").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteSlides(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&OutlineSlide{}).Error
}

func (s *Store) SlideStatusCounts(ctx context.Context, projectID string) (SlideStatusCounts, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&OutlineSlide{}).
		Select("status, count(*) as n").
		Where("project_id = ?", projectID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return SlideStatusCounts{}, err
	}
	var c SlideStatusCounts
	for _, r := range rows {
		c.Total += r.N
		switch r.Status {
		case StatusPending:
			c.Pending = r.N
		case StatusGenerating:
			c.Generating = r.N
		case StatusCompleted:
			c.Completed = r.N
		case StatusFailed:
			c.Failed = r.N
		}
	}
	return c, nil
}

// Percentage 完成百分比（两位小数）
func (c SlideStatusCounts) Percentage() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(int64(float64(c.Completed)/float64(c.Total)*10000+0.5)) / 100
}
