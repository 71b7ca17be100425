package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"
)

// NoReference 没有可参考页面时填入模板的占位文本
const NoReference = "this is the first slide, no reference available"

type slidePromptData struct {
	Outline         string
	TargetID        string
	StyleReference  string
	LayoutReference string
	ImagesInfo      string
}

type SlideGenerator struct {
	llm Completer
	cfg *config.Service
	log *logger.Logger
}

func NewSlideGenerator(llm Completer, cfg *config.Service, log *logger.Logger) *SlideGenerator {
	return &SlideGenerator{llm: llm, cfg: cfg, log: log.With("component", "slide")}
}

// Generate 根据大纲快照生成目标页的 html
func (g *SlideGenerator) Generate(ctx context.Context, doc *models.OutlineDoc, targetID string, images models.SlideImages) (string, error) {
	data := slidePromptData{
		Outline:         ParseOutline(doc),
		TargetID:        targetID,
		StyleReference:  styleReference(doc),
		LayoutReference: layoutReference(doc, targetID),
	}
	name := promptSlide
	if len(images) > 0 {
		name = promptSlideWithImage
		data.ImagesInfo = FormatImagesInfo(images)
	}
	prompt, err := renderPrompt(name, data)
	if err != nil {
		return "", err
	}
	rsp, err := g.llm.TextComplete(ctx, prompt, g.cfg.Current().PPTLLM())
	if err != nil {
		return "", fmt.Errorf("slide %s llm: %w", targetID, err)
	}
	html := ExtractHTML(rsp)
	if html == "" {
		return "", errors.New("slide " + targetID + ": empty html")
	}
	return html, nil
}

// formatReference "\n\n=====\n" + 每页 "slide <id>\n-----\n<html>"，没有已生成页面时返回空串
func formatReference(slides []models.SlideDoc) string {
	var parts []string
	for _, s := range slides {
		if s.HTMLContent == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("slide %s\n-----\n%s", s.SlideID, s.HTMLContent))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\n=====\n" + strings.Join(parts, "\n\n")
}

func styleReference(doc *models.OutlineDoc) string {
	ref := ""
	if len(doc.Chapters) > 0 {
		ref = formatReference(doc.Chapters[0].Slides)
	}
	if ref == "" {
		return NoReference
	}
	return ref
}

func layoutReference(doc *models.OutlineDoc, targetID string) string {
	chapterID, _, _ := strings.Cut(targetID, ".")
	ref := ""
	for _, ch := range doc.Chapters {
		if string(ch.ChapterID) == chapterID {
			ref = formatReference(ch.Slides)
			break
		}
	}
	if ref == "" {
		return NoReference
	}
	return ref
}

// FormatImagesInfo 每张图一行，按路径排序保证提示词稳定
func FormatImagesInfo(images models.SlideImages) string {
	keys := make([]string, 0, len(images))
	for k := range images {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := images[k]
		fmt.Fprintf(&b, "\n图片路径: %s  图片来源的标题: %s, 图片来源的简介: %s, 图片链接: %s 分辨率: %dx%d, 描述: %s\n",
			k, v.Title, v.Content, truncate(v.ImgURL, 200), v.Height, v.Width, v.Description)
	}
	return b.String()
}

// ParseOutline 把大纲渲染成便于模型阅读的文本
func ParseOutline(doc *models.OutlineDoc) string {
	var lines []string
	sep := strings.Repeat("=", 60)

	title := doc.MainTitle
	if title == "" {
		title = "未知演示文稿标题"
	}
	audience := doc.TargetAudience
	if audience == "" {
		audience = "未知目标受众"
	}
	lines = append(lines, sep, "演示文稿标题: "+title)
	if doc.Subtitle != "" {
		lines = append(lines, "副标题: "+doc.Subtitle)
	}
	lines = append(lines, "目标受众: "+audience, sep)

	if len(doc.Chapters) == 0 {
		lines = append(lines, "警告：大纲中没有任何章节。")
		return strings.Join(lines, "\n")
	}
	for _, ch := range doc.Chapters {
		pages := string(ch.PageCountSuggestion)
		if pages == "" {
			pages = "N/A"
		}
		lines = append(lines, fmt.Sprintf("\n第 %s 章: %s  (建议页数: %s)", ch.ChapterID, ch.ChapterTopic, pages))
		lines = append(lines, strings.Repeat("-", 40))
		if len(ch.Slides) == 0 {
			lines = append(lines, "  (本章没有幻灯片)")
			continue
		}
		for _, s := range ch.Slides {
			lines = append(lines, fmt.Sprintf("  幻灯片 %s: %s", s.SlideID, s.SlideTopic))
			for _, c := range s.SlideContent {
				lines = append(lines, "      • "+c)
			}
			lines = append(lines, "")
		}
	}
	return strings.Join(lines, "\n")
}
