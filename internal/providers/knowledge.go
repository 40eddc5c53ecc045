package providers

import (
	"context"
	"time"
)

// Snippet is one ranked passage from the semantic-context service.
type Snippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// KnowledgeClient queries the semantic-context service.
type KnowledgeClient struct {
	svc serviceClient
}

func NewKnowledgeClient(url, apiKey string, timeout time.Duration) *KnowledgeClient {
	return &KnowledgeClient{svc: newServiceClient("knowledge", url, apiKey, timeout)}
}

func (k *KnowledgeClient) Enabled() bool { return k != nil && k.svc.configured() }

// Search returns up to limit snippets relevant to query from the given files.
func (k *KnowledgeClient) Search(ctx context.Context, instanceID, query string, fileIDs []string, limit int) ([]Snippet, error) {
	if !k.Enabled() || len(fileIDs) == 0 {
		return nil, nil
	}
	in := map[string]any{
		"instance_id": instanceID,
		"query":       query,
		"file_ids":    fileIDs,
		"limit":       limit,
	}
	var out struct {
		Results []Snippet `json:"results"`
	}
	if err := k.svc.post(ctx, "", in, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}
