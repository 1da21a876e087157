package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	userAgent = "Chat-Provider-Hub/1.0"

	// maxErrorBody 错误响应体最多保留的字节数
	maxErrorBody = 2048
	// maxPages 分页上限，防止上游反复返回同一游标
	maxPages = 50
)

// FetchError 上游返回非 2xx 时携带厂商状态信息
type FetchError struct {
	Vendor     string
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s model list: upstream status %d", e.Vendor, e.StatusCode)
	}
	return fmt.Sprintf("%s model list: upstream status %d: %s", e.Vendor, e.StatusCode, e.Body)
}

// Fetcher 实现各厂商的模型列表拉取
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewFetcher limiter 可为 nil (不限速)
func NewFetcher(client *http.Client, limiter *rate.Limiter, logger *logrus.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, limiter: limiter, logger: logger}
}

// buildURL 在 endpoint 路径后追加 path 并设置查询参数
func buildURL(endpoint, path string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint url: %q", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// getJSON 发送 GET 并解码 2xx 响应
func (f *Fetcher) getJSON(ctx context.Context, vendor, rawURL string, header http.Header, out any) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s model list request failed: %w", vendor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &FetchError{Vendor: vendor, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s model list: decode response: %w", vendor, err)
	}
	return nil
}
