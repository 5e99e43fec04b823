package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/config"
)

// ChatModelBuilder 根据配置创建 ChatModel，测试中可以替换
type ChatModelBuilder func(ctx context.Context, cfg *openai.ChatModelConfig) (model.BaseChatModel, error)

// NewOpenAIChatModel 默认的 builder，基于 eino-ext openai
func NewOpenAIChatModel(ctx context.Context, cfg *openai.ChatModelConfig) (model.BaseChatModel, error) {
	cm, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// ChatModelFactory 按 (baseURL, model, token) 缓存 ChatModel
type ChatModelFactory struct {
	cfg     config.InferenceConfig
	builder ChatModelBuilder

	modelCache      map[string]model.BaseChatModel
	modelCacheMutex sync.RWMutex
}

func NewChatModelFactory(cfg config.InferenceConfig, builder ChatModelBuilder) *ChatModelFactory {
	if builder == nil {
		builder = NewOpenAIChatModel
	}
	return &ChatModelFactory{
		cfg:        cfg,
		builder:    builder,
		modelCache: make(map[string]model.BaseChatModel),
	}
}

// ResolveBaseURL endpointURL 优先，其次按 provider 查表，最后使用默认地址
func (f *ChatModelFactory) ResolveBaseURL(endpointURL, provider string) string {
	if endpointURL = strings.TrimSpace(endpointURL); endpointURL != "" {
		return strings.TrimRight(endpointURL, "/")
	}
	if baseURL, ok := f.cfg.Providers[provider]; ok && baseURL != "" {
		return strings.TrimRight(baseURL, "/")
	}
	return strings.TrimRight(f.cfg.DefaultBaseURL, "/")
}

// Token 请求未携带 token 时使用配置中的
func (f *ChatModelFactory) Token(token string) string {
	if token != "" {
		return token
	}
	return f.cfg.Token
}

// Get 获取或创建 ChatModel
func (f *ChatModelFactory) Get(ctx context.Context, baseURL, token, modelName string) (model.BaseChatModel, error) {
	key := baseURL + "|" + modelName + "|" + token

	f.modelCacheMutex.RLock()
	if cached, ok := f.modelCache[key]; ok {
		f.modelCacheMutex.RUnlock()
		return cached, nil
	}
	f.modelCacheMutex.RUnlock()

	openaiConfig := &openai.ChatModelConfig{
		BaseURL: baseURL,
		APIKey:  token,
		Model:   modelName,
	}
	if f.cfg.MaxTokens > 0 {
		maxTokens := f.cfg.MaxTokens
		openaiConfig.MaxTokens = &maxTokens
	}
	if f.cfg.Temperature > 0 {
		temperature := f.cfg.Temperature
		openaiConfig.Temperature = &temperature
	}

	chatModel, err := f.builder(ctx, openaiConfig)
	if err != nil {
		klog.Errorf("创建 ChatModel 失败: baseURL=%s, model=%s, err=%v", baseURL, modelName, err)
		return nil, err
	}

	f.modelCacheMutex.Lock()
	if cached, ok := f.modelCache[key]; ok {
		f.modelCacheMutex.Unlock()
		return cached, nil
	}
	f.modelCache[key] = chatModel
	f.modelCacheMutex.Unlock()

	klog.V(6).Infof("创建并缓存 ChatModel: baseURL=%s, model=%s", baseURL, modelName)
	return chatModel, nil
}
