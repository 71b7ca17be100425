package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
)

var ErrNoConverter = errors.New("pptx converter command not configured")

const defaultKillGrace = 5 * time.Second

// CommandConverter 以独立进程运行外部转换器
// 命令中的 {pdf} {pptx} {outdir} 会被替换为实际路径
type CommandConverter struct {
	cfg   *config.Service
	Grace time.Duration // SIGTERM 之后到 SIGKILL 的等待时间
	log   *logger.Logger
}

func NewCommandConverter(cfg *config.Service, log *logger.Logger) *CommandConverter {
	return &CommandConverter{cfg: cfg, Grace: defaultKillGrace, log: log.With("component", "pptx")}
}

func (c *CommandConverter) Convert(ctx context.Context, pdfPath, pptxPath string) error {
	cfg := c.cfg.Current()
	fields := strings.Fields(cfg.Export.PPTXCommand)
	if len(fields) == 0 {
		return ErrNoConverter
	}
	r := strings.NewReplacer("{pdf}", pdfPath, "{pptx}", pptxPath, "{outdir}", filepath.Dir(pptxPath))
	args := make([]string, len(fields)-1)
	for i, f := range fields[1:] {
		args[i] = r.Replace(f)
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.PPTXTimeout())
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(cctx, fields[0], args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	// 独立进程组，超时时整组先 SIGTERM，WaitDelay 之后由 exec 强制 kill
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		c.log.Warn("converter timed out, sending SIGTERM", "pid", cmd.Process.Pid)
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		return nil
	}
	cmd.WaitDelay = c.Grace

	start := time.Now()
	runErr := cmd.Run()
	if cctx.Err() != nil {
		return fmt.Errorf("converter killed after %s: %w", time.Since(start).Round(time.Millisecond), cctx.Err())
	}
	if runErr != nil {
		return fmt.Errorf("converter failed: %w, output: %s", runErr, truncate(out.String(), 500))
	}
	if err := checkArtifact(pptxPath); err != nil {
		return fmt.Errorf("converter exited 0 without output: %w", err)
	}
	c.log.Info("pptx converted", "file", pptxPath, "elapsed", time.Since(start).String())
	return nil
}
