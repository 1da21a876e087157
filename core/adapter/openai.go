package adapter

import (
	"context"
	"net/http"

	"chat-provider-hub/models"
)

// FetchOpenAICompatibleModels GET {endpoint}/models，单页
func (f *Fetcher) FetchOpenAICompatibleModels(ctx context.Context, endpoint, secret string) ([]string, error) {
	u, err := buildURL(endpoint, "/models", nil)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if secret != "" {
		header.Set("Authorization", "Bearer "+secret)
	}

	var list models.OpenAIModelList
	if err := f.getJSON(ctx, "openai", u, header, &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	f.logger.Debugf("OpenAI-compatible endpoint %s listed %d models", endpoint, len(ids))
	return ids, nil
}
