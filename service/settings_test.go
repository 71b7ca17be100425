package service

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSearcher struct{ results []SearchResult }

func (s staticSearcher) SearchImages(ctx context.Context, query string) ([]SearchResult, error) {
	return s.results, nil
}

func TestTestImages(t *testing.T) {
	imgs, err := TestImages(3, 42)
	require.NoError(t, err)
	require.Len(t, imgs, 3)
	cfg, err := png.DecodeConfig(bytes.NewReader(imgs[0]))
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestSettingsTester(t *testing.T) {
	c := config.Default()
	c.Search.PicNumLimit = 2
	llm := &fakeLLM{outline: "hello", vision: "I see two images"}
	tester := NewSettingsTester(llm, staticSearcher{results: []SearchResult{{ImgSrc: "https://e.com/a.jpg"}}},
		config.NewStatic(c), logger.Nop())
	ctx := context.Background()

	assert.Len(t, tester.List(), 4)

	res, err := tester.Run(ctx, "outline_llm")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Result)
	assert.Equal(t, "大纲 LLM 检测", res.Label)

	res, err = tester.Run(ctx, "pic_llm")
	require.NoError(t, err)
	assert.Equal(t, "I see two images", res.Result)
	assert.Equal(t, []int{2}, llm.visionN)

	res, err = tester.Run(ctx, "img_search")
	require.NoError(t, err)
	assert.Contains(t, res.Result, "https://e.com/a.jpg")

	_, err = tester.Run(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
}

func TestSettingsTesterReportsFailure(t *testing.T) {
	llm := &fakeLLM{outlineErr: errors.New("401 invalid key")}
	tester := NewSettingsTester(llm, staticSearcher{}, config.NewStatic(config.Default()), logger.Nop())

	res, err := tester.Run(context.Background(), "outline_llm")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Result, "401 invalid key")
}
