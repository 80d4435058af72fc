package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/HeteroCat/microtouch/config"
)

// WeChatSearchTool searches published articles of configured WeChat official
// accounts through a third-party content-extraction API.
type WeChatSearchTool struct {
	cfg      config.WeChatConfig
	accounts []string
	http     *http.Client
}

// NewWeChatSearchTool creates the tool scoped to the caller's subscribed accounts.
func NewWeChatSearchTool(cfg config.WeChatConfig, accounts []string) *WeChatSearchTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WeChatSearchTool{cfg: cfg, accounts: accounts, http: &http.Client{Timeout: timeout}}
}

func (t *WeChatSearchTool) Name() string { return "wechat_search" }

func (t *WeChatSearchTool) Description() string {
	return "Searches recent articles from the user's subscribed WeChat official accounts."
}

func (t *WeChatSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"keyword": map[string]interface{}{"type": "string", "description": "keyword to match in article titles", "required": true},
		"account": map[string]interface{}{"type": "string", "description": "restrict to one account name (optional)"},
		"limit":   map[string]interface{}{"type": "integer", "description": "max results (default 10)"},
	}
}

type wechatArticle struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Digest   string `json:"digest"`
	PostTime int64  `json:"post_time"`
	Nickname string `json:"nickname"`
}

type wechatResponse struct {
	Code     int             `json:"code"`
	Msg      string          `json:"msg"`
	Data     []wechatArticle `json:"data"`
	TotalNum int             `json:"total_num"`
	HasNext  bool            `json:"has_next"`
}

// Execute queries the extraction API for each in-scope account and merges the
// results. Upstream failure degrades instead of erroring.
func (t *WeChatSearchTool) Execute(ctx context.Context, args map[string]interface{}) (Envelope, error) {
	keyword := strings.TrimSpace(argString(args, "keyword"))
	if keyword == "" {
		keyword = strings.TrimSpace(argString(args, "query"))
	}
	if keyword == "" {
		return Envelope{}, fmt.Errorf("wechat_search: keyword is required")
	}
	limit := argInt(args, "limit", 10)

	accounts := t.accounts
	if one := strings.TrimSpace(argString(args, "account")); one != "" {
		accounts = []string{one}
	}
	if len(accounts) == 0 {
		accounts = []string{""} // account-less keyword search
	}

	var (
		items   []Item
		total   int
		hasMore bool
		lastErr error
	)
	for _, account := range accounts {
		resp, err := t.search(ctx, keyword, account, limit)
		if err != nil {
			lastErr = err
			continue
		}
		total += resp.TotalNum
		hasMore = hasMore || resp.HasNext
		for _, a := range resp.Data {
			items = append(items, Item{
				Title:       a.Title,
				URL:         a.URL,
				Summary:     a.Digest,
				Author:      a.Nickname,
				Source:      "wechat",
				PublishedAt: time.Unix(a.PostTime, 0),
			})
			if len(items) >= limit {
				break
			}
		}
		if len(items) >= limit {
			break
		}
	}
	if len(items) == 0 && lastErr != nil {
		return Degraded("wechat_search", lastErr), nil
	}
	if total < len(items) {
		total = len(items)
	}
	return Envelope{Items: items, Total: total, HasMore: hasMore}, nil
}

func (t *WeChatSearchTool) search(ctx context.Context, keyword, account string, limit int) (wechatResponse, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"key":     t.cfg.APIKey,
		"keyword": keyword,
		"name":    account,
		"size":    limit,
		"page":    1,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return wechatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return wechatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wechatResponse{}, fmt.Errorf("extraction api returned status %d", resp.StatusCode)
	}

	var parsed wechatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return wechatResponse{}, err
	}
	if parsed.Code != 0 {
		return wechatResponse{}, fmt.Errorf("extraction api error %d: %s", parsed.Code, parsed.Msg)
	}
	return parsed, nil
}
