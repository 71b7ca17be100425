package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// FlexString 模型输出的 id 有时是数字有时是字符串，统一按原文保存
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id 既不是字符串也不是数字: %s", string(b))
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexList 兼容 slide_content 被模型写成单个字符串的情况
type FlexList []string

func (l *FlexList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = FlexList{s}
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(FlexList, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else if v != nil {
			out = append(out, fmt.Sprint(v))
		}
	}
	*l = out
	return nil
}

type VisualSuggestion struct {
	SearchKeywords   string `json:"search_keywords"`
	ImageDescription string `json:"image_description"`
}

func (v *VisualSuggestion) Empty() bool {
	return v == nil || strings.TrimSpace(v.SearchKeywords) == ""
}

type SlideDoc struct {
	SlideID           FlexString        `json:"slide_id"`
	SlideTopic        string            `json:"slide_topic"`
	SlideContent      FlexList          `json:"slide_content"`
	VisualSuggestions *VisualSuggestion `json:"visual_suggestions,omitempty"`
	HTMLContent       string            `json:"html_content,omitempty"`
}

type Chapter struct {
	ChapterID           FlexString `json:"chapter_id"`
	ChapterTopic        string     `json:"chapter_topic"`
	ChapterTitle        string     `json:"chapter_title,omitempty"`
	PageCountSuggestion FlexString `json:"page_count_suggestion,omitempty"`
	Slides              []SlideDoc `json:"slides"`
}

// OutlineDoc 模型生成的结构化大纲
type OutlineDoc struct {
	MainTitle              string          `json:"main_title"`
	Subtitle               string          `json:"subtitle,omitempty"`
	TargetAudience         string          `json:"target_audience,omitempty"`
	GlobalVisualSuggestion json.RawMessage `json:"global_visual_suggestion,omitempty"`
	Chapters               []Chapter       `json:"chapters"`
}

// Clone 深拷贝，并发的章节任务各持一份
func (d OutlineDoc) Clone() OutlineDoc {
	c := d
	if d.GlobalVisualSuggestion != nil {
		c.GlobalVisualSuggestion = append(json.RawMessage(nil), d.GlobalVisualSuggestion...)
	}
	if d.Chapters != nil {
		c.Chapters = make([]Chapter, len(d.Chapters))
		for i, ch := range d.Chapters {
			nc := ch
			if ch.Slides != nil {
				nc.Slides = make([]SlideDoc, len(ch.Slides))
				for j, sl := range ch.Slides {
					ns := sl
					if sl.SlideContent != nil {
						ns.SlideContent = append(FlexList(nil), sl.SlideContent...)
					}
					if sl.VisualSuggestions != nil {
						vs := *sl.VisualSuggestions
						ns.VisualSuggestions = &vs
					}
					nc.Slides[j] = ns
				}
			}
			c.Chapters[i] = nc
		}
	}
	return c
}

// FindSlide 返回指向该 slide 的指针（修改会作用到本副本上）
func (d *OutlineDoc) FindSlide(slideID string) *SlideDoc {
	for i := range d.Chapters {
		for j := range d.Chapters[i].Slides {
			if string(d.Chapters[i].Slides[j].SlideID) == slideID {
				return &d.Chapters[i].Slides[j]
			}
		}
	}
	return nil
}

// SetHTML 把生成的 html 写回内存大纲，找不到返回 false
func (d *OutlineDoc) SetHTML(slideID, html string) bool {
	if s := d.FindSlide(slideID); s != nil {
		s.HTMLContent = html
		return true
	}
	return false
}

// ImageInfo 一张经过下载、理解后的候选图片
type ImageInfo struct {
	ImgURL       string `json:"img_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FilePath     string `json:"file_path"`
	Description  string `json:"description"`
}

// SlideImages 图片相对路径 -> 图片信息
type SlideImages map[string]ImageInfo

type Outline struct {
	ProjectID              string                                   `gorm:"primaryKey;type:varchar(64)" json:"project_id"`
	Topic                  string                                   `gorm:"type:text" json:"topic"`
	Audience               string                                   `gorm:"type:varchar(64)" json:"audience"`
	Style                  string                                   `gorm:"type:varchar(64)" json:"style"`
	PageNum                int                                      `json:"page_num"`
	ReferenceContent       string                                   `gorm:"type:text" json:"reference_content"`
	EnableImgSearch        bool                                     `json:"enable_img_search"`
	GlobalVisualSuggestion datatypes.JSON                           `json:"global_visual_suggestion"`
	OutlineJSON            datatypes.JSONType[OutlineDoc]           `gorm:"column:outline_json" json:"outline_json"`
	Images                 datatypes.JSONType[map[string]SlideImages] `json:"images"`
}

func (Outline) TableName() string {
	return "outline"
}

// Doc 返回大纲文档的深拷贝
func (o *Outline) Doc() OutlineDoc {
	return o.OutlineJSON.Data().Clone()
}

func (o *Outline) ImagesFor(slideID string) SlideImages {
	return o.Images.Data()[slideID]
}

func (s *Store) AddOutline(ctx context.Context, o *Outline) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("add outline %s: %w", o.ProjectID, err)
	}
	return nil
}

func (s *Store) GetOutline(ctx context.Context, projectID string) (*Outline, error) {
	var o Outline
	if err := s.db.WithContext(ctx).First(&o, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *Store) DeleteOutline(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&Outline{}).Error
}
