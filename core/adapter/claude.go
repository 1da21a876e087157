package adapter

import (
	"context"
	"net/http"
	"net/url"

	"chat-provider-hub/models"
)

const (
	anthropicVersion = "2023-06-01"
	claudePageLimit  = "1000"
)

// FetchClaudeModels GET {endpoint}/models，按 after_id 翻页
func (f *Fetcher) FetchClaudeModels(ctx context.Context, endpoint, secret string) ([]string, error) {
	header := http.Header{}
	header.Set("anthropic-version", anthropicVersion)
	if secret != "" {
		header.Set("x-api-key", secret)
	}

	var ids []string
	after := ""
	for page := 0; page < maxPages; page++ {
		query := url.Values{"limit": {claudePageLimit}}
		if after != "" {
			query.Set("after_id", after)
		}
		u, err := buildURL(endpoint, "/models", query)
		if err != nil {
			return nil, err
		}

		var list models.ClaudeModelList
		if err := f.getJSON(ctx, "claude", u, header, &list); err != nil {
			return nil, err
		}
		for _, m := range list.Data {
			if m.ID != "" {
				ids = append(ids, m.ID)
			}
		}

		if !list.HasMore || list.LastID == "" || list.LastID == after {
			break
		}
		after = list.LastID
	}

	f.logger.Debugf("Claude endpoint %s listed %d models", endpoint, len(ids))
	return ids, nil
}
