package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gabriel-vasile/mimetype"
	"github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/pkg/llm"
)

// Adapter 统一的模型调用入口：无论成功失败都返回一个 Done 的 RowOutcome，不会 panic
type Adapter interface {
	Execute(ctx context.Context, req domain.ProviderRequest) domain.RowOutcome
}

// ImageBackend 图片生成后端
type ImageBackend interface {
	Generate(ctx context.Context, baseURL, token, modelName, prompt string) ([]byte, error)
	Edit(ctx context.Context, baseURL, token, modelName, prompt string, image []byte) ([]byte, error)
}

// endpointModel 自定义 endpoint 未指定模型名时使用
const endpointModel = "tgi"

// Router 按任务类型把请求路由到文本或图片后端
type Router struct {
	chats  *llm.ChatModelFactory
	images ImageBackend
	// 图片输入的请求结果缓存
	cache *cache.Cache
}

var (
	_ Adapter            = (*Router)(nil)
	_ domain.TaskHandler = (*Router)(nil)
)

func NewRouter(chats *llm.ChatModelFactory, images ImageBackend, cacheTTL time.Duration) *Router {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Router{
		chats:  chats,
		images: images,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
	}
}

// Execute 调用模型，所有错误和 panic 都转换为 RowOutcome.Error
func (r *Router) Execute(ctx context.Context, req domain.ProviderRequest) (out domain.RowOutcome) {
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("模型调用 panic: idx=%d, model=%s, panic=%v", req.Idx, req.ModelName, p)
			out = domain.Failed(req.Idx, fmt.Sprintf("provider panic: %v", p))
		}
	}()

	task := req.Task
	if task == nil {
		task = domain.TextGeneration{}
		req.Task = task
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var key string
	if task.NeedsImageInput() {
		key = cacheKey(req)
		if cached, ok := r.cache.Get(key); ok {
			klog.V(6).Infof("命中图片任务缓存: idx=%d, task=%s", req.Idx, task.Name())
			out = cached.(domain.RowOutcome)
			out.Idx = req.Idx
			return out
		}
	}

	start := time.Now()
	out = domain.Dispatch(ctx, task, r, req)
	out = finalize(req.Idx, out)
	klog.V(6).Infof("模型调用完成: idx=%d, task=%s, model=%s, cost=%v, error=%q",
		req.Idx, task.Name(), req.ModelName, time.Since(start), out.Error)

	if key != "" && out.Error == "" {
		r.cache.Set(key, out, cache.DefaultExpiration)
	}
	return out
}

// finalize 保证结果有且只有 value/error 其中之一
func finalize(idx int, out domain.RowOutcome) domain.RowOutcome {
	out.Idx = idx
	out.Done = true
	if out.Error != "" {
		out.Value = ""
		out.Blob = nil
		return out
	}
	if strings.TrimSpace(out.Value) == "" && len(out.Blob) == 0 {
		return domain.Failed(idx, "empty response from model")
	}
	return out
}

func (r *Router) TextGeneration(ctx context.Context, req domain.ProviderRequest) domain.RowOutcome {
	return r.chat(ctx, req, []*schema.Message{schema.UserMessage(req.Instruction)})
}

func (r *Router) ImageTextToText(ctx context.Context, req domain.ProviderRequest) domain.RowOutcome {
	msg := &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: req.Instruction},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: imageURL(req.Image)}},
		},
	}
	return r.chat(ctx, req, []*schema.Message{msg})
}

func (r *Router) TextToImage(ctx context.Context, req domain.ProviderRequest) domain.RowOutcome {
	baseURL, token, modelName := r.route(req)
	data, err := r.images.Generate(ctx, baseURL, token, modelName, req.Instruction)
	if err != nil {
		return domain.Failed(req.Idx, llm.NormalizeError(err))
	}
	return domain.RowOutcome{Idx: req.Idx, Blob: data, Done: true}
}

func (r *Router) ImageToImage(ctx context.Context, req domain.ProviderRequest) domain.RowOutcome {
	baseURL, token, modelName := r.route(req)
	data, err := r.images.Edit(ctx, baseURL, token, modelName, req.Instruction, req.Image)
	if err != nil {
		return domain.Failed(req.Idx, llm.NormalizeError(err))
	}
	return domain.RowOutcome{Idx: req.Idx, Blob: data, Done: true}
}

// route endpointURL 存在时直接调用该地址，否则按 (模型, provider) 选择地址
func (r *Router) route(req domain.ProviderRequest) (baseURL, token, modelName string) {
	baseURL = r.chats.ResolveBaseURL(req.EndpointURL, req.ModelProvider)
	token = r.chats.Token(req.AccessToken)
	modelName = req.ModelName
	if modelName == "" && req.EndpointURL != "" {
		modelName = endpointModel
	}
	return baseURL, token, modelName
}

func (r *Router) chat(ctx context.Context, req domain.ProviderRequest, messages []*schema.Message) domain.RowOutcome {
	baseURL, token, modelName := r.route(req)
	cm, err := r.chats.Get(ctx, baseURL, token, modelName)
	if err != nil {
		return domain.Failed(req.Idx, llm.NormalizeError(err))
	}

	if req.OnPartial == nil {
		resp, err := cm.Generate(ctx, messages)
		if err != nil {
			return domain.Failed(req.Idx, llm.NormalizeError(err))
		}
		return domain.RowOutcome{Idx: req.Idx, Value: strings.TrimSpace(resp.Content), Done: true}
	}

	content, err := stream(ctx, cm, messages, req.OnPartial)
	if err != nil {
		return domain.Failed(req.Idx, llm.NormalizeError(err))
	}
	return domain.RowOutcome{Idx: req.Idx, Value: strings.TrimSpace(content), Done: true}
}

// stream 逐块读取并回调累计内容
func stream(ctx context.Context, cm model.BaseChatModel, messages []*schema.Message, onPartial func(string)) (string, error) {
	sr, err := cm.Stream(ctx, messages)
	if err != nil {
		return "", err
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		onPartial(sb.String())
	}
	return sb.String(), nil
}

// imageURL 单元格里已经是 URL 或 data URI 时原样使用，否则按内容识别 MIME 编码为 data URI
func imageURL(image []byte) string {
	s := strings.TrimSpace(string(image))
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:") {
		return s
	}
	mtype := mimetype.Detect(image)
	return "data:" + mtype.String() + ";base64," + base64.StdEncoding.EncodeToString(image)
}

func cacheKey(req domain.ProviderRequest) string {
	h := sha256.New()
	for _, part := range []string{req.Task.Name(), req.ModelName, req.ModelProvider, req.EndpointURL, req.Instruction} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(req.Image)
	return hex.EncodeToString(h.Sum(nil))
}
