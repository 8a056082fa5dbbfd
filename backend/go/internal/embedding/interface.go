package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyResponse 表示嵌入服务没有返回向量，或返回的向量数少于文本数。
var ErrEmptyResponse = errors.New("embedding: provider returned no embeddings")

// Embedding 定义了所有 embedding 模型需要实现的接口。
type Embedding interface {
	// Embed 为单个文本生成嵌入向量。
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch 为一批文本生成嵌入向量，结果与输入一一对应。
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelType 是一个枚举类型，用于表示不同的模型厂商。
type ModelType string

const (
	OpenAI      ModelType = "openai"      // OpenAI 模型类型。
	Google      ModelType = "gemini"      // Google 模型类型。
	Ollama      ModelType = "ollama"      // Ollama 模型类型。
	HuggingFace ModelType = "huggingface" // HuggingFace 模型类型。
)

func checkCount(got, want int) error {
	if got == 0 || got != want {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmptyResponse, got, want)
	}
	return nil
}
