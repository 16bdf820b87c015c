package main

import (
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/rag/store/chromem"
	"github.com/aqua777/go-reviewrag/textsplitter"
)

var errMissingOpenAIKey = errors.New("openai api key is not set (OPENAI_API_KEY or --openai-api-key)")

// providers holds the models built from settings. One OpenAI client is shared
// between chat and embeddings.
type providers struct {
	LLM      llm.LLM
	Embedder embedding.EmbeddingModel
}

func newProviders(s settings, logger *slog.Logger) (*providers, error) {
	var client *openai.Client
	openAIClient := func() (*openai.Client, error) {
		if client != nil {
			return client, nil
		}
		if s.OpenAIKey == "" {
			return nil, errMissingOpenAIKey
		}
		cfg := openai.DefaultConfig(s.OpenAIKey)
		if s.OpenAIBaseURL != "" {
			cfg.BaseURL = s.OpenAIBaseURL
		}
		client = openai.NewClientWithConfig(cfg)
		return client, nil
	}

	p := &providers{}

	switch s.Provider {
	case ProviderOpenAI:
		c, err := openAIClient()
		if err != nil {
			return nil, err
		}
		p.LLM = llm.NewOpenAILLMWithClient(c, s.OpenAIModel,
			llm.WithOpenAITemperature(s.Temperature),
			llm.WithOpenAILogger(logger))
	case ProviderOllama:
		p.LLM = llm.NewOllamaLLM(
			llm.WithOllamaBaseURL(s.OllamaURL),
			llm.WithOllamaModel(s.OllamaModel),
			llm.WithOllamaTemperature(s.Temperature))
	}

	switch s.EmbedProvider {
	case ProviderOpenAI:
		c, err := openAIClient()
		if err != nil {
			return nil, err
		}
		p.Embedder = embedding.NewOpenAIEmbeddingWithClient(c, s.OpenAIEmbedModel)
	case ProviderOllama:
		p.Embedder = embedding.NewOllamaEmbedding(
			embedding.WithOllamaEmbeddingBaseURL(s.OllamaURL),
			embedding.WithOllamaEmbeddingModel(s.OllamaEmbedModel))
	case ProviderHuggingFace:
		p.Embedder = embedding.NewHuggingFaceEmbedding(
			embedding.WithHuggingFaceBaseURL(s.HFURL),
			embedding.WithHuggingFaceModel(s.HFModel),
			embedding.WithHuggingFaceAPIKey(s.HFKey),
			embedding.WithHuggingFaceTEI(s.HFTEI))
	}

	if p.LLM == nil || p.Embedder == nil {
		return nil, errors.New("no provider configured")
	}
	return p, nil
}

// newSplitter returns nil for plain character chunking, letting the engine
// build its default splitter. Token chunking counts with the tokenizer of the
// embedding model.
func newSplitter(s settings) (textsplitter.TextSplitter, error) {
	if s.ChunkUnit != UnitTokens && !s.SentenceSplit {
		return nil, nil
	}

	var opts []textsplitter.RecursiveOption
	if s.ChunkUnit == UnitTokens {
		var (
			counter *textsplitter.TikTokenCounter
			err     error
		)
		if s.EmbedProvider == ProviderOpenAI {
			counter, err = textsplitter.NewTikTokenCounterForModel(s.OpenAIEmbedModel)
		} else {
			counter, err = textsplitter.DefaultTokenCounter()
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, textsplitter.WithLengthFunc(textsplitter.TokenLength(counter)))
	}
	if s.SentenceSplit {
		tok, err := textsplitter.EnglishSentenceTokenizer()
		if err != nil {
			return nil, err
		}
		opts = append(opts, textsplitter.WithSentences(tok))
	}

	overlap := s.ChunkOverlap
	if overlap == 0 {
		overlap = -1
	}
	return textsplitter.NewRecursiveCharacterSplitter(s.ChunkSize, overlap, opts...), nil
}

func newManagedBackend(s settings, logger *slog.Logger) *chromem.Backend {
	return chromem.New(
		chromem.WithLogger(logger),
		chromem.WithCompression(s.IndexCompress),
		chromem.WithConcurrency(s.IndexWorkers))
}
