package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ehr/portal/internal/platform/apperr"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// AssetRequest names a rendered dashboard asset.
type AssetRequest struct {
	Name      string
	ViewID    string
	AssetType string
}

// Query runs a query statement and returns the raw JSON result.
func (c *Client) Query(ctx context.Context, statement string) (json.RawMessage, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, apperr.Validation("query statement is required")
	}
	resp, err := c.do(ctx, "query", func(ctx context.Context, tok *accessToken) (*http.Request, error) {
		u := fmt.Sprintf("%s/services/data/%s/query?q=%s", tok.instance, c.cfg.APIVersion, url.QueryEscape(statement))
		return newJSONRequest(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON("query", resp.body)
}

// FetchResource performs an authenticated GET against an absolute path on
// the instance, for example "/services/data/v62.0/sobjects/Patient__c/a01".
func (c *Client) FetchResource(ctx context.Context, endpoint string) (json.RawMessage, error) {
	if !strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "//") {
		return nil, apperr.Validation("endpoint must be an absolute path")
	}
	resp, err := c.do(ctx, "fetch", func(ctx context.Context, tok *accessToken) (*http.Request, error) {
		return newJSONRequest(ctx, http.MethodGet, tok.instance+endpoint, nil)
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON("fetch", resp.body)
}

// GenerateText submits a single prompt to the configured model.
func (c *Client) GenerateText(ctx context.Context, prompt string) (json.RawMessage, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}
	return c.generate(ctx, "generate_text", "generations", body)
}

// GenerateChat submits an ordered conversation to the configured model.
func (c *Client) GenerateChat(ctx context.Context, messages []Message) (json.RawMessage, error) {
	if len(messages) == 0 {
		return nil, apperr.Validation("at least one message is required")
	}
	for i, m := range messages {
		if !validRoles[m.Role] {
			return nil, apperr.Validation("message %d has invalid role %q", i, m.Role)
		}
	}
	body, err := json.Marshal(map[string][]Message{"messages": messages})
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	return c.generate(ctx, "generate_chat", "chat-generations", body)
}

func (c *Client) generate(ctx context.Context, op, endpoint string, body []byte) (json.RawMessage, error) {
	if c.cfg.ModelsURL == "" || c.cfg.Model == "" {
		return nil, apperr.Configuration("generative model is not configured", nil)
	}
	resp, err := c.do(ctx, op, func(ctx context.Context, _ *accessToken) (*http.Request, error) {
		u := fmt.Sprintf("%s/models/%s/%s", c.cfg.ModelsURL, url.PathEscape(c.cfg.Model), endpoint)
		req, err := newJSONRequest(ctx, http.MethodPost, u, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-sfdc-app-context", "EinsteinGPT")
		req.Header.Set("x-client-feature-id", "ai-platform-models-connected-app")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON(op, resp.body)
}

// DownloadAsset fetches a rendered asset and returns its raw bytes.
func (c *Client) DownloadAsset(ctx context.Context, asset AssetRequest) ([]byte, error) {
	if strings.TrimSpace(asset.Name) == "" {
		return nil, apperr.Validation("asset name is required")
	}
	if c.cfg.AssetPath == "" {
		return nil, apperr.Configuration("asset path is not configured", nil)
	}
	resp, err := c.do(ctx, "download_asset", func(ctx context.Context, tok *accessToken) (*http.Request, error) {
		q := url.Values{}
		q.Set("name", asset.Name)
		if asset.ViewID != "" {
			q.Set("view", asset.ViewID)
		}
		if asset.AssetType != "" {
			q.Set("type", asset.AssetType)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tok.instance+c.cfg.AssetPath+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "image/png, application/octet-stream")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

func decodeJSON(op string, body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, apperr.Remote("remote "+op+" returned invalid JSON", fmt.Errorf("%d bytes of non-JSON body", len(body)))
	}
	return json.RawMessage(body), nil
}

// ExtractGeneratedText pulls the generated text out of either model
// response shape, returning "" when neither is present.
func ExtractGeneratedText(raw json.RawMessage) string {
	var resp struct {
		Generation *struct {
			GeneratedText string `json:"generatedText"`
		} `json:"generation"`
		GenerationDetails *struct {
			Generations []struct {
				Content string `json:"content"`
			} `json:"generations"`
		} `json:"generationDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	if resp.Generation != nil && resp.Generation.GeneratedText != "" {
		return resp.Generation.GeneratedText
	}
	if resp.GenerationDetails != nil && len(resp.GenerationDetails.Generations) > 0 {
		return resp.GenerationDetails.Generations[0].Content
	}
	return ""
}
