package embedding

import (
	"context"
	"fmt"
	"strings"

	httpclient "procurement-kb/backend/go/pkg/http"
)

const defaultHuggingFaceURL = "https://api-inference.huggingface.co/pipeline/feature-extraction/"

// HuggingFaceModel 是一个用于 Hugging Face Inference API 的 Embedding 模型客户端。
type HuggingFaceModel struct {
	client  *httpclient.Client
	model   string
	apiKey  string
	baseURL string
}

// NewHuggingFaceModel 创建一个新的 HuggingFaceModel 客户端。
// baseURL 为空时使用公共 Inference API 地址。
func NewHuggingFaceModel(client *httpclient.Client, apiKey, modelName, baseURL string) *HuggingFaceModel {
	if baseURL == "" {
		baseURL = defaultHuggingFaceURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HuggingFaceModel{client: client, model: modelName, apiKey: apiKey, baseURL: baseURL}
}

// Embed 使用 Hugging Face Inference API 为单个文本生成嵌入向量。
func (m *HuggingFaceModel) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch 使用 Hugging Face Inference API 为一批文本生成嵌入向量。
func (m *HuggingFaceModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]interface{}{
		"inputs":  texts,
		"options": map[string]bool{"wait_for_model": true},
	}
	headers := map[string]string{}
	if m.apiKey != "" {
		headers["Authorization"] = "Bearer " + m.apiKey
	}

	var embeddings [][]float32
	if err := m.client.PostJSON(ctx, m.baseURL+m.model, headers, payload, &embeddings); err != nil {
		return nil, fmt.Errorf("huggingface embed: %w", err)
	}
	if err := checkCount(len(embeddings), len(texts)); err != nil {
		return nil, err
	}
	return embeddings, nil
}
