package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway() *Gateway {
	g := NewGateway(logger.Nop())
	g.RetryDelay = 0
	return g
}

func TestGatewayOpenAIText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		assert.Equal(t, "hello", req.Messages[0].Content)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestGateway().TextComplete(context.Background(), "hello",
		config.LLMConfig{APIType: "openai", APIKey: "sk-test", APIURL: srv.URL + "/v1/", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestGatewayOpenAIVisionSendsDataURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content []openAIContentPart `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		parts := req.Messages[0].Content
		require.Len(t, parts, 3)
		assert.Equal(t, "text", parts[0].Type)
		assert.Equal(t, "data:image/jpeg;base64,AQI=", parts[1].ImageURL.URL)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestGateway().VisionComplete(context.Background(), [][]byte{{1, 2}, {3}}, "look",
		config.LLMConfig{APIType: "openai", APIURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestGatewayGemini(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gem:generateContent", r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents[0].Parts, 2)
		assert.Equal(t, "image/jpeg", req.Contents[0].Parts[1].InlineData.MimeType)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"g"}]}}]}`))
	}))
	defer srv.Close()

	out, err := newTestGateway().VisionComplete(context.Background(), [][]byte{{9}}, "p",
		config.LLMConfig{APIType: "Gemini", APIKey: "k", APIURL: srv.URL, Model: "gem"})
	require.NoError(t, err)
	assert.Equal(t, "g", out)
}

func TestGatewayRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"third"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestGateway().TextComplete(context.Background(), "x", config.LLMConfig{APIURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "third", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGatewayExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := newTestGateway().TextComplete(context.Background(), "x", config.LLMConfig{APIURL: srv.URL})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "slow down", apiErr.Body)
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGatewayDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestGateway().TextComplete(context.Background(), "x", config.LLMConfig{APIURL: srv.URL})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 1, apiErr.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGatewayUnsupportedProvider(t *testing.T) {
	_, err := newTestGateway().TextComplete(context.Background(), "x", config.LLMConfig{APIType: "claude"})
	assert.Error(t, err)
}

func TestTruncateKeepsUTF8(t *testing.T) {
	s := "https://例子.com/" + strings.Repeat("图片", 200)
	for _, n := range []int{1, 17, 18, 200} {
		got := truncate(s, n)
		assert.True(t, utf8.ValidString(got), "n=%d", n)
		assert.Equal(t, n, utf8.RuneCountInString(strings.TrimSuffix(got, "...")))
	}
	assert.Equal(t, "短文本", truncate("短文本", 3))

	body := strings.Repeat("错", 600)
	err := &APIError{Provider: "openai", StatusCode: 500, Attempts: 3, Body: body}
	assert.True(t, utf8.ValidString(err.Error()))
}
