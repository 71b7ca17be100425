package service

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"TopicToSlides-server/logger"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// 1280x720 像素按 96dpi 折算成英寸
const (
	pageWidthInch  = 1280.0 / 96
	pageHeightInch = 720.0 / 96
)

// ChromeRenderer 复用同一个 headless Chrome，每次渲染开一个新标签页
type ChromeRenderer struct {
	mu            sync.Mutex
	browser       context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
	log           *logger.Logger
}

func NewChromeRenderer(log *logger.Logger) *ChromeRenderer {
	return &ChromeRenderer{log: log.With("component", "chrome")}
}

func (r *ChromeRenderer) ensureBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil && r.browser.Err() == nil {
		return r.browser, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1280, 720),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("allow-file-access-from-files", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browser, cancelBrowser := chromedp.NewContext(allocCtx)
	// 首次 Run 启动浏览器进程
	if err := chromedp.Run(browser); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	r.browser, r.cancelAlloc, r.cancelBrowser = browser, cancelAlloc, cancelBrowser
	r.log.Info("headless chrome started")
	return browser, nil
}

func (r *ChromeRenderer) Render(ctx context.Context, htmlFile, pdfOut string) error {
	browser, err := r.ensureBrowser()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(htmlFile)
	if err != nil {
		return err
	}
	tab, cancel := chromedp.NewContext(browser)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	err = chromedp.Run(tab,
		chromedp.EmulateViewport(1280, 720),
		chromedp.Navigate((&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(pageWidthInch).
				WithPaperHeight(pageHeightInch).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				Do(ctx)
			buf = data
			return err
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("render %s: %w", filepath.Base(htmlFile), ctx.Err())
		}
		return fmt.Errorf("render %s: %w", filepath.Base(htmlFile), err)
	}
	return os.WriteFile(pdfOut, buf, 0o644)
}

// Close 关闭浏览器进程
func (r *ChromeRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelBrowser != nil {
		r.cancelBrowser()
		r.cancelAlloc()
		r.browser = nil
	}
}

// PDFCPUMerger 使用 pdfcpu 合并
type PDFCPUMerger struct{}

func (PDFCPUMerger) Merge(inFiles []string, outFile string) error {
	if len(inFiles) == 1 {
		return copyFile(inFiles[0], outFile)
	}
	return api.MergeCreateFile(inFiles, outFile, false, nil)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
