package service

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

const (
	promptOutline          = "outline.tmpl"
	promptOutlineWithImage = "outline_with_image.tmpl"
	promptSlide            = "slide.tmpl"
	promptSlideWithImage   = "slide_with_image.tmpl"
	promptPicUnderstand    = "pic_understand.tmpl"
)

func renderPrompt(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
