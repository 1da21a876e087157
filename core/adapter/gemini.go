package adapter

import (
	"context"
	"net/http"
	"net/url"

	"chat-provider-hub/models"
)

const geminiPageSize = "1000"

// FetchGeminiModels GET {endpoint}/models，跟随 nextPageToken 直到取完
// headerMode 为 true 时 Key 放在 x-goog-api-key，否则放在 ?key=
// 只保留支持 generateContent 的模型
func (f *Fetcher) FetchGeminiModels(ctx context.Context, endpoint, secret string, headerMode bool) ([]string, error) {
	header := http.Header{}
	if headerMode && secret != "" {
		header.Set("x-goog-api-key", secret)
	}

	var ids []string
	seenTokens := make(map[string]struct{})
	token := ""
	for page := 0; page < maxPages; page++ {
		query := url.Values{"pageSize": {geminiPageSize}}
		if !headerMode && secret != "" {
			query.Set("key", secret)
		}
		if token != "" {
			query.Set("pageToken", token)
		}
		u, err := buildURL(endpoint, "/models", query)
		if err != nil {
			return nil, err
		}

		var list models.GeminiModelList
		if err := f.getJSON(ctx, "gemini", u, header, &list); err != nil {
			return nil, err
		}
		for _, m := range list.Models {
			if m.Name == "" || !supportsGenerateContent(m) {
				continue
			}
			ids = append(ids, m.Name)
		}

		token = list.NextPageToken
		if token == "" {
			break
		}
		if _, dup := seenTokens[token]; dup {
			f.logger.Warnf("Gemini pagination repeated token, stopping after %d pages", page+1)
			break
		}
		seenTokens[token] = struct{}{}
	}

	f.logger.Debugf("Gemini endpoint %s listed %d models", endpoint, len(ids))
	return ids, nil
}

// supportsGenerateContent 未声明方法的模型视为支持
func supportsGenerateContent(m models.GeminiModelItem) bool {
	if len(m.SupportedGenerationMethods) == 0 {
		return true
	}
	for _, method := range m.SupportedGenerationMethods {
		if method == "generateContent" {
			return true
		}
	}
	return false
}
