package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/rag"
	"github.com/aqua777/go-reviewrag/rag/synthesizer"
)

const (
	AppName   = "reviewrag"
	EnvPrefix = "REVIEWRAG"
)

// Config keys
const (
	KeyConfig           = "config"
	KeyDatasetPath      = "dataset.path"
	KeyTextField        = "dataset.text-field"
	KeyPersistPath      = "index.persist-path"
	KeyNativePath       = "index.native-path"
	KeyForceRebuild     = "index.force-rebuild"
	KeyIndexCompress    = "index.compress"
	KeyIndexWorkers     = "index.concurrency"
	KeyChunkSize        = "rag.chunk-size"
	KeyChunkOverlap     = "rag.chunk-overlap"
	KeyChunkUnit        = "rag.chunk-unit"
	KeySentenceSplit    = "rag.sentence-split"
	KeyTopK             = "rag.top-k"
	KeySourceDecision   = "rag.source-decision"
	KeyProvider         = "provider.kind"
	KeyEmbedProvider    = "provider.embed-kind"
	KeyTemperature      = "provider.temperature"
	KeyOpenAIKey        = "openai.api-key"
	KeyOpenAIBaseURL    = "openai.base-url"
	KeyOpenAIModel      = "openai.model"
	KeyOpenAIEmbedModel = "openai.embed-model"
	KeyOllamaURL        = "ollama.url"
	KeyOllamaModel      = "ollama.model"
	KeyOllamaEmbedModel = "ollama.embed-model"
	KeyHFURL            = "huggingface.url"
	KeyHFModel          = "huggingface.model"
	KeyHFKey            = "huggingface.api-key"
	KeyHFTEI            = "huggingface.tei"
	KeyBatchSize        = "embed.batch-size"
	KeyRPS              = "embed.rps"
	KeyCacheSize        = "embed.cache-size"
	KeyServerAddr       = "server.addr"
	KeyServerRPS        = "server.rps"
	KeyQueryTimeout     = "server.query-timeout"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
)

// Provider names
const (
	ProviderOpenAI      = "openai"
	ProviderOllama      = "ollama"
	ProviderHuggingFace = "huggingface"
)

// Chunk length units
const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// param is one configuration option: a viper key, its command-line flag and the
// environment variables that can set it.
type param struct {
	Name        string
	Flag        string
	ShortFlag   string
	Description string
	Default     any
	// Env lists extra environment variables besides the REVIEWRAG_ one.
	Env []string
}

var params = []param{
	{Name: KeyDatasetPath, Flag: "dataset", ShortFlag: "d", Description: "Review dataset (.csv, .tsv, .xlsx)", Default: ""},
	{Name: KeyTextField, Flag: "text-field", Description: "Review text column (auto-detected when empty)", Default: ""},
	{Name: KeyPersistPath, Flag: "persist-path", Description: "Managed index directory", Default: rag.DefaultPersistPath},
	{Name: KeyNativePath, Flag: "native-path", Description: "Native index directory (default <persist-path>_native)", Default: ""},
	{Name: KeyForceRebuild, Flag: "force-rebuild", Description: "Ignore persisted indexes and rebuild", Default: false},
	{Name: KeyIndexCompress, Flag: "index-compress", Description: "Gzip the managed index (changing it forces a rebuild)", Default: false},
	{Name: KeyIndexWorkers, Flag: "index-concurrency", Description: "Goroutines writing the managed index (0 = one per CPU)", Default: 0},
	{Name: KeyChunkSize, Flag: "chunk-size", Description: "Fragment size", Default: rag.DefaultChunkSize},
	{Name: KeyChunkOverlap, Flag: "chunk-overlap", Description: "Fragment overlap (default 10% of chunk size)", Default: 0},
	{Name: KeyChunkUnit, Flag: "chunk-unit", Description: "Unit of chunk size: chars or tokens", Default: UnitChars},
	{Name: KeySentenceSplit, Flag: "sentence-split", Description: "Prefer sentence boundaries when chunking", Default: false},
	{Name: KeyTopK, Flag: "top-k", ShortFlag: "k", Description: "Fragments retrieved per question", Default: rag.DefaultTopK},
	{Name: KeySourceDecision, Flag: "source-decision", Description: "How to decide on showing sources: directive or classifier", Default: string(synthesizer.DecisionModeDirective)},
	{Name: KeyProvider, Flag: "provider", ShortFlag: "p", Description: "LLM provider: openai or ollama", Default: ProviderOpenAI},
	{Name: KeyEmbedProvider, Flag: "embed-provider", Description: "Embedding provider: openai, ollama or huggingface (default: same as provider)", Default: ""},
	{Name: KeyTemperature, Flag: "temperature", Description: "Sampling temperature", Default: float64(llm.DefaultTemperature)},
	{Name: KeyOpenAIKey, Flag: "openai-api-key", Description: "OpenAI API key", Default: "", Env: []string{"OPENAI_API_KEY"}},
	{Name: KeyOpenAIBaseURL, Flag: "openai-base-url", Description: "OpenAI-compatible API URL", Default: "", Env: []string{"OPENAI_URL"}},
	{Name: KeyOpenAIModel, Flag: "openai-model", Description: "OpenAI chat model", Default: llm.OpenAIDefaultModel},
	{Name: KeyOpenAIEmbedModel, Flag: "openai-embed-model", Description: "OpenAI embedding model", Default: "text-embedding-3-small"},
	{Name: KeyOllamaURL, Flag: "ollama-url", Description: "Ollama API URL", Default: llm.OllamaDefaultURL, Env: []string{"OLLAMA_HOST"}},
	{Name: KeyOllamaModel, Flag: "ollama-model", Description: "Ollama chat model", Default: llm.OllamaLlama31},
	{Name: KeyOllamaEmbedModel, Flag: "ollama-embed-model", Description: "Ollama embedding model", Default: embedding.OllamaNomicEmbedText},
	{Name: KeyHFURL, Flag: "hf-url", Description: "HuggingFace endpoint", Default: embedding.HuggingFaceInferenceAPIURL},
	{Name: KeyHFModel, Flag: "hf-model", Description: "HuggingFace embedding model", Default: embedding.HFSentenceTransformersMiniLM},
	{Name: KeyHFKey, Flag: "hf-api-key", Description: "HuggingFace API token", Default: "", Env: []string{"HF_TOKEN"}},
	{Name: KeyHFTEI, Flag: "hf-tei", Description: "Endpoint is a Text Embeddings Inference server", Default: false},
	{Name: KeyBatchSize, Flag: "embed-batch-size", Description: "Fragments per embedding request", Default: embedding.DefaultBatchSize},
	{Name: KeyRPS, Flag: "embed-rps", Description: "Embedding requests per second (0 = unlimited)", Default: 0.0},
	{Name: KeyCacheSize, Flag: "embed-cache-size", Description: "Cached query embeddings (0 = off)", Default: embedding.DefaultQueryCacheSize},
	{Name: KeyServerAddr, Flag: "addr", Description: "HTTP listen address", Default: "127.0.0.1:8000"},
	{Name: KeyServerRPS, Flag: "server-rps", Description: "Query requests per second (0 = unlimited)", Default: 0.0},
	{Name: KeyQueryTimeout, Flag: "query-timeout", Description: "Per-query timeout (0 = none)", Default: 2 * time.Minute},
	{Name: KeyLogLevel, Flag: "log-level", Description: "debug, info, warn or error", Default: "info"},
	{Name: KeyLogFormat, Flag: "log-format", Description: "text or json", Default: "text"},
}

// envName derives the REVIEWRAG_ variable for a key: rag.top-k -> REVIEWRAG_RAG_TOP_K.
func envName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + "_" + strings.ToUpper(r.Replace(key))
}

// registerParams declares every param as a flag on fs.
func registerParams(fs *pflag.FlagSet) {
	for _, p := range params {
		switch def := p.Default.(type) {
		case string:
			fs.StringP(p.Flag, p.ShortFlag, def, p.Description)
		case bool:
			fs.BoolP(p.Flag, p.ShortFlag, def, p.Description)
		case int:
			fs.IntP(p.Flag, p.ShortFlag, def, p.Description)
		case float64:
			fs.Float64P(p.Flag, p.ShortFlag, def, p.Description)
		case time.Duration:
			fs.DurationP(p.Flag, p.ShortFlag, def, p.Description)
		default:
			panic(fmt.Sprintf("param %s: unsupported default type %T", p.Name, p.Default))
		}
	}
	fs.StringP(KeyConfig, "c", "", "Config file (yaml, toml or json)")
}

// bindParams wires defaults, environment variables, an optional config file and
// the flags in fs into v. Precedence: flag, env, config file, default.
func bindParams(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, p := range params {
		v.SetDefault(p.Name, p.Default)
		if err := v.BindEnv(append([]string{p.Name, envName(p.Name)}, p.Env...)...); err != nil {
			return err
		}
		if err := v.BindPFlag(p.Name, fs.Lookup(p.Flag)); err != nil {
			return err
		}
	}

	configFile, _ := fs.GetString(KeyConfig)
	if configFile == "" {
		configFile = os.Getenv(envName(KeyConfig))
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}
	return nil
}

// settings is the resolved configuration.
type settings struct {
	DatasetPath    string
	TextField      string
	PersistPath    string
	NativePath     string
	ForceRebuild   bool
	IndexCompress  bool
	IndexWorkers   int
	ChunkSize      int
	ChunkOverlap   int
	ChunkUnit      string
	SentenceSplit  bool
	TopK           int
	SourceDecision synthesizer.DecisionMode

	Provider         string
	EmbedProvider    string
	Temperature      float32
	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAIEmbedModel string
	OllamaURL        string
	OllamaModel      string
	OllamaEmbedModel string
	HFURL            string
	HFModel          string
	HFKey            string
	HFTEI            bool

	BatchSize int
	RPS       float64
	CacheSize int

	ServerAddr   string
	ServerRPS    float64
	QueryTimeout time.Duration

	LogLevel  string
	LogFormat string
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		DatasetPath:      v.GetString(KeyDatasetPath),
		TextField:        v.GetString(KeyTextField),
		PersistPath:      v.GetString(KeyPersistPath),
		NativePath:       v.GetString(KeyNativePath),
		ForceRebuild:     v.GetBool(KeyForceRebuild),
		IndexCompress:    v.GetBool(KeyIndexCompress),
		IndexWorkers:     v.GetInt(KeyIndexWorkers),
		ChunkSize:        v.GetInt(KeyChunkSize),
		ChunkOverlap:     v.GetInt(KeyChunkOverlap),
		ChunkUnit:        strings.ToLower(v.GetString(KeyChunkUnit)),
		SentenceSplit:    v.GetBool(KeySentenceSplit),
		TopK:             v.GetInt(KeyTopK),
		Provider:         strings.ToLower(v.GetString(KeyProvider)),
		EmbedProvider:    strings.ToLower(v.GetString(KeyEmbedProvider)),
		Temperature:      float32(v.GetFloat64(KeyTemperature)),
		OpenAIKey:        v.GetString(KeyOpenAIKey),
		OpenAIBaseURL:    v.GetString(KeyOpenAIBaseURL),
		OpenAIModel:      v.GetString(KeyOpenAIModel),
		OpenAIEmbedModel: v.GetString(KeyOpenAIEmbedModel),
		OllamaURL:        v.GetString(KeyOllamaURL),
		OllamaModel:      v.GetString(KeyOllamaModel),
		OllamaEmbedModel: v.GetString(KeyOllamaEmbedModel),
		HFURL:            v.GetString(KeyHFURL),
		HFModel:          v.GetString(KeyHFModel),
		HFKey:            v.GetString(KeyHFKey),
		HFTEI:            v.GetBool(KeyHFTEI),
		BatchSize:        v.GetInt(KeyBatchSize),
		RPS:              v.GetFloat64(KeyRPS),
		CacheSize:        v.GetInt(KeyCacheSize),
		ServerAddr:       v.GetString(KeyServerAddr),
		ServerRPS:        v.GetFloat64(KeyServerRPS),
		QueryTimeout:     v.GetDuration(KeyQueryTimeout),
		LogLevel:         v.GetString(KeyLogLevel),
		LogFormat:        v.GetString(KeyLogFormat),
	}

	mode, err := synthesizer.ParseDecisionMode(v.GetString(KeySourceDecision))
	if err != nil {
		return s, err
	}
	s.SourceDecision = mode

	if s.EmbedProvider == "" {
		s.EmbedProvider = s.Provider
	}
	switch s.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return s, fmt.Errorf("unknown provider %q (want openai or ollama)", s.Provider)
	}
	switch s.EmbedProvider {
	case ProviderOpenAI, ProviderOllama, ProviderHuggingFace:
	default:
		return s, fmt.Errorf("unknown embedding provider %q (want openai, ollama or huggingface)", s.EmbedProvider)
	}
	switch s.ChunkUnit {
	case UnitChars, UnitTokens:
	default:
		return s, fmt.Errorf("unknown chunk unit %q (want chars or tokens)", s.ChunkUnit)
	}
	return s, nil
}

// engineConfig maps settings onto the engine's configuration.
func (s settings) engineConfig() rag.Config {
	return rag.Config{
		TextField:         s.TextField,
		PersistPath:       s.PersistPath,
		NativePath:        s.NativePath,
		ChunkSize:         s.ChunkSize,
		ChunkOverlap:      s.ChunkOverlap,
		TopK:              s.TopK,
		ForceRebuild:      s.ForceRebuild,
		DecisionMode:      s.SourceDecision,
		BatchSize:         s.BatchSize,
		RequestsPerSecond: s.RPS,
		QueryCacheSize:    s.CacheSize,
	}
}
