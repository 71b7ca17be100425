package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"
)

// OutlineRequest 生成大纲所需的主题简报
type OutlineRequest struct {
	Topic            string
	Audience         string
	Style            string
	PageNum          int
	ReferenceContent string
	EnableImgSearch  bool
}

type OutlineGenerator struct {
	llm Completer
	cfg *config.Service
	log *logger.Logger
}

func NewOutlineGenerator(llm Completer, cfg *config.Service, log *logger.Logger) *OutlineGenerator {
	return &OutlineGenerator{llm: llm, cfg: cfg, log: log.With("component", "outline")}
}

// Generate 调用一次大纲模型并解析；解析失败返回 ErrOutlineParse，不做内部重试
func (g *OutlineGenerator) Generate(ctx context.Context, req OutlineRequest) (models.OutlineDoc, error) {
	name := promptOutline
	if req.EnableImgSearch {
		name = promptOutlineWithImage
	}
	g.log.Info("generating outline", "topic", req.Topic, "page_num", req.PageNum, "img_search", req.EnableImgSearch)

	prompt, err := renderPrompt(name, req)
	if err != nil {
		return models.OutlineDoc{}, err
	}
	rsp, err := g.llm.TextComplete(ctx, prompt, g.cfg.Current().OutlineLLM())
	if err != nil {
		return models.OutlineDoc{}, fmt.Errorf("outline llm: %w", err)
	}

	var doc models.OutlineDoc
	if err := ResponseToJSON(rsp, &doc); err != nil {
		g.log.Error("outline response not parseable", "error", err, "response", truncate(rsp, 300))
		return models.OutlineDoc{}, err
	}
	if err := normalizeOutline(&doc); err != nil {
		return models.OutlineDoc{}, err
	}
	return doc, nil
}

// normalizeOutline 统一章节 / 幻灯片编号为 "<章>" / "<章>.<序>"
func normalizeOutline(doc *models.OutlineDoc) error {
	if len(doc.Chapters) == 0 {
		return fmt.Errorf("%w: outline has no chapters", ErrOutlineParse)
	}
	// 章节编号必须是严格递增的正整数，否则全部按顺序重排
	ids := make([]int, len(doc.Chapters))
	prev := 0
	for i, ch := range doc.Chapters {
		cid, err := strconv.Atoi(strings.TrimSpace(string(ch.ChapterID)))
		if err != nil || cid <= prev {
			for j := range ids {
				ids[j] = j + 1
			}
			break
		}
		ids[i], prev = cid, cid
	}

	total := 0
	for i := range doc.Chapters {
		ch := &doc.Chapters[i]
		cid := ids[i]
		ch.ChapterID = models.FlexString(strconv.Itoa(cid))
		// 任一编号非法或重复则整章按顺序重新编号
		renumber := false
		seen := map[int]bool{}
		for _, sl := range ch.Slides {
			c, o, err := models.ParseSlideID(string(sl.SlideID))
			if err != nil || c != cid || o <= 0 || seen[o] {
				renumber = true
				break
			}
			seen[o] = true
		}
		for j := range ch.Slides {
			sl := &ch.Slides[j]
			if renumber {
				sl.SlideID = models.FlexString(fmt.Sprintf("%d.%d", cid, j+1))
			} else {
				_, o, _ := models.ParseSlideID(string(sl.SlideID))
				sl.SlideID = models.FlexString(fmt.Sprintf("%d.%d", cid, o))
			}
			sl.HTMLContent = ""
		}
		total += len(ch.Slides)
	}
	if total == 0 {
		return fmt.Errorf("%w: outline has no slides", ErrOutlineParse)
	}
	return nil
}
