package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"TopicToSlides-server/models"
)

const maxNameRunes = 80

// ProjectDirs 单个项目在磁盘上的布局
type ProjectDirs struct {
	Root        string
	HTML        string
	Images      string
	OutlineFile string
}

func ProjectPaths(dataDir, projectName string) ProjectDirs {
	root := filepath.Join(dataDir, "projects", projectName)
	return ProjectDirs{
		Root:        root,
		HTML:        filepath.Join(root, "html_files"),
		Images:      filepath.Join(root, "images"),
		OutlineFile: filepath.Join(root, "outline.json"),
	}
}

func (d ProjectDirs) Ensure() error {
	for _, p := range []string{d.HTML, d.Images} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", p, err)
		}
	}
	return nil
}

func (d ProjectDirs) SlideFile(slideID string) string {
	return filepath.Join(d.HTML, slideID+".html")
}

func (d ProjectDirs) Artifact(projectName, ext string) string {
	return filepath.Join(d.Root, projectName+"."+ext)
}

// TimeName 形如 20250907_202903
func TimeName(t time.Time) string {
	return t.Format("20060102_150405")
}

// ProjectName 主题中的空白和路径分隔符替换为 _，再拼接时间戳
func ProjectName(topic string, now time.Time) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(topic) {
		if n >= maxNameRunes {
			break
		}
		switch {
		case unicode.IsSpace(r), strings.ContainsRune(`/\:*?"<>|.`, r), unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
		n++
	}
	slug := b.String()
	if slug == "" {
		slug = "project"
	}
	return slug + "_" + TimeName(now)
}

// lessSlideID 按 (章, 序) 数值比较，非法 id 排在最后并按字典序
func lessSlideID(a, b string) bool {
	ac, ao, aerr := models.ParseSlideID(a)
	bc, bo, berr := models.ParseSlideID(b)
	switch {
	case aerr != nil && berr != nil:
		return a < b
	case aerr != nil:
		return false
	case berr != nil:
		return true
	case ac != bc:
		return ac < bc
	default:
		return ao < bo
	}
}

// SortSlideIDs "1.10" 排在 "1.9" 之后
func SortSlideIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return lessSlideID(ids[i], ids[j]) })
}

// ListSlideFiles 返回目录下的 <章>.<序>.html，按数值顺序
func ListSlideFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".html" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".html")
		if _, _, err := models.ParseSlideID(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	SortSlideIDs(ids)
	files := make([]string, len(ids))
	for i, id := range ids {
		files[i] = filepath.Join(dir, id+".html")
	}
	return files, nil
}

// SafeFileName 只允许单层的 .html 文件名
func SafeFileName(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), ".html")
}
