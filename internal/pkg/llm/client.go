package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"k8s.io/klog/v2"
)

// ImageClient 调用 OpenAI 兼容的图片生成接口
type ImageClient struct {
	Client *http.Client
}

// NewImageClient 创建图片客户端，单次调用的超时由 ctx 控制
func NewImageClient() *ImageClient {
	return &ImageClient{
		Client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Generate 文生图，返回图片原始字节
func (c *ImageClient) Generate(ctx context.Context, baseURL, token, modelName, prompt string) ([]byte, error) {
	url := strings.TrimRight(baseURL, "/") + "/images/generations"
	klog.V(6).Infof("发送图片生成请求: url=%s, model=%s", url, modelName)

	jsonData, err := json.Marshal(ImageRequest{
		Model:          modelName,
		Prompt:         prompt,
		N:              1,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token)
}

// Edit 图生图，image 为输入图片原始字节
func (c *ImageClient) Edit(ctx context.Context, baseURL, token, modelName, prompt string, image []byte) ([]byte, error) {
	url := strings.TrimRight(baseURL, "/") + "/images/edits"
	klog.V(6).Infof("发送图片编辑请求: url=%s, model=%s, image=%d bytes", url, modelName, len(image))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("model", modelName)
	_ = w.WriteField("prompt", prompt)
	_ = w.WriteField("response_format", "b64_json")

	mtype := mimetype.Detect(image)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="image%s"`, mtype.Extension()))
	h.Set("Content-Type", mtype.String())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, token)
}

func (c *ImageClient) do(req *http.Request, token string) ([]byte, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var imgResp ImageResponse
	if err := json.Unmarshal(body, &imgResp); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("API error: status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if imgResp.Error != nil {
		return nil, fmt.Errorf("API error: status %d: %s", resp.StatusCode, imgResp.Error.Message)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("no image in response")
	}

	data, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
