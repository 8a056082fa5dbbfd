package embedding

import (
	"fmt"
	"time"

	"procurement-kb/backend/go/internal/config"
	httpclient "procurement-kb/backend/go/pkg/http"
)

// requestTimeout 限制单次调用嵌入服务的时长。
const requestTimeout = 120 * time.Second

// New 根据配置创建 Embedding 模型实例。
// cb 只作用于通过 HTTP 客户端访问的提供商 (huggingface)。
func New(cfg config.EmbeddingConfig, cb config.CircuitBreakerConfig) (Embedding, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required for provider %q", cfg.Provider)
	}
	switch ModelType(cfg.Provider) {
	case Google, "google":
		return NewGoogleModel(cfg.APIKey, cfg.Model)
	case OpenAI:
		return NewOpenAIModel(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case HuggingFace:
		hc, err := httpclient.NewClient(cb, requestTimeout)
		if err != nil {
			return nil, err
		}
		return NewHuggingFaceModel(hc, cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case Ollama:
		return NewOllamaModel(cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
