package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrOutlineParse 模型输出无法解析为合法 JSON
var ErrOutlineParse = errors.New("cannot parse model response as json")

var (
	blockCommentPattern  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	htmlFencePattern     = regexp.MustCompile("(?s)```html(.*?)```")
	anyFencePattern      = regexp.MustCompile("(?s)```(.*?)```")
)

// stripThink 去掉推理模型的 <think>...</think> 前缀
func stripThink(text string) string {
	if _, after, ok := strings.Cut(text, "</think>"); ok {
		return after
	}
	return text
}

// ResponseToJSON 取第一个 { 到最后一个 } 之间的内容并解析到 out，
// 会先清理块注释和 } ] 之前多余的逗号
func ResponseToJSON(text string, out interface{}) error {
	text = stripThink(text)
	text = blockCommentPattern.ReplaceAllString(text, "")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no json object found", ErrOutlineParse)
	}
	raw := trailingCommaPattern.ReplaceAllString(text[start:end+1], "$1")
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrOutlineParse, err)
	}
	return nil
}

// ResponseToList 从任意输出中找出最长的一段成对 [] 并解析到 out
func ResponseToList(text string, out interface{}) error {
	text = stripThink(text)
	longest := ""
	for _, span := range bracketSpans(text) {
		if len(span) > len(longest) {
			longest = span
		}
	}
	if longest == "" {
		return fmt.Errorf("%w: no json array found", ErrOutlineParse)
	}
	raw := trailingCommaPattern.ReplaceAllString(longest, "$1")
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrOutlineParse, err)
	}
	return nil
}

// bracketSpans 返回所有最外层的 [...]，忽略字符串里的括号
func bracketSpans(text string) []string {
	var (
		spans    []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, text[start:i+1])
				start = -1
			}
		}
	}
	return spans
}

// ExtractHTML 取模型输出中最后一段 html：
// ```html 块 > 任意 ``` 块 > 最后一个 <!DOCTYPE html> / <html 到下一个 ``` 或结尾 > 原文
func ExtractHTML(text string) string {
	if m := htmlFencePattern.FindAllStringSubmatch(text, -1); len(m) > 0 {
		return strings.TrimSpace(m[len(m)-1][1])
	}
	if m := anyFencePattern.FindAllStringSubmatch(text, -1); len(m) > 0 {
		return strings.TrimSpace(m[len(m)-1][1])
	}
	start := strings.LastIndex(text, "<!DOCTYPE html>")
	if start < 0 {
		start = strings.LastIndex(text, "<html")
	}
	if start >= 0 {
		end := len(text)
		if i := strings.Index(text[start:], "```"); i >= 0 {
			end = start + i
		}
		return strings.TrimSpace(text[start:end])
	}
	return strings.TrimSpace(text)
}
