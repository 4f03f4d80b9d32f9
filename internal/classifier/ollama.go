package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/retry"
)

const (
	// DefaultOllamaURL 本地 Ollama 服务地址
	DefaultOllamaURL = "http://localhost:11434"
	// DefaultOllamaModel 微调后的恶意文档分析模型
	DefaultOllamaModel = "malware-scanner"
)

// OllamaBackend Ollama 聊天接口客户端
type OllamaBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOllamaBackend 创建 Ollama 后端
func NewOllamaBackend(baseURL, model string, timeout time.Duration, logger *logrus.Logger) *OllamaBackend {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// ChatRequest 聊天请求
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Format   string        `json:"format,omitempty"`
	Stream   bool          `json:"stream"`
}

// ChatMessage 消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse 聊天响应（非流式）
type ChatResponse struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Name 后端名称
func (o *OllamaBackend) Name() string {
	return "ollama"
}

// Complete 发送单轮用户消息，要求 JSON 格式回复
func (o *OllamaBackend) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := ChatRequest{
		Model:    o.model,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
		Format:   "json",
		Stream:   false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: ollama returned status %d: %s", ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", ErrUnreachable, err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrUnreachable, chatResp.Error)
	}

	o.logger.WithFields(logrus.Fields{
		"model": chatResp.Model,
		"bytes": len(chatResp.Message.Content),
	}).Debug("Ollama chat completed")

	return chatResp.Message.Content, nil
}
