package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
)

// TokenConfig configures the LM-token rate limiter (design doc Section
// 4.10, component C10).
type TokenConfig struct {
	Name                   string
	PromptTokenLimit       int
	CompletionTokenLimit   int
	ResetTimeWindowSeconds int
	HeaderRetryAfter       string
	KeyFunc                func(req *plugin.Request) string
}

func (c *TokenConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "lm-token-rate-limiting-plugin"
	}
	if c.ResetTimeWindowSeconds <= 0 {
		c.ResetTimeWindowSeconds = 60
	}
	if c.HeaderRetryAfter == "" {
		c.HeaderRetryAfter = "Retry-After"
	}
	if c.KeyFunc == nil {
		c.KeyFunc = hostKey
	}
}

type tokenState struct {
	mu                  sync.Mutex
	promptRemaining     int
	completionRemaining int
	resetTime           time.Time
}

// TokenPlugin returns the LM-token rate limiter.
func TokenPlugin(global *store.Global, cfg TokenConfig) *plugin.Plugin {
	cfg.applyDefaults()
	states := &sync.Map{} // string -> *tokenState

	perHostState := func(key string) *tokenState {
		v, _ := states.LoadOrStore(key, &tokenState{})
		return v.(*tokenState)
	}

	return &plugin.Plugin{
		Name:    cfg.Name,
		Enabled: true,
		OnRequest: func(ctx context.Context, req *plugin.Request) (plugin.RequestResult, error) {
			if !looksLikeLLMRequest(req.Body) {
				return plugin.ContinueResult(), nil
			}

			key := cfg.KeyFunc(req)
			st := perHostState(key)
			now := time.Now()

			st.mu.Lock()
			defer st.mu.Unlock()

			if st.resetTime.IsZero() || now.After(st.resetTime) {
				st.promptRemaining = cfg.PromptTokenLimit
				st.completionRemaining = cfg.CompletionTokenLimit
				st.resetTime = now.Add(time.Duration(cfg.ResetTimeWindowSeconds) * time.Second)
			}

			if st.promptRemaining == 0 || st.completionRemaining == 0 {
				secondsLeft := int(time.Until(st.resetTime).Seconds())
				if secondsLeft < 0 {
					secondsLeft = 0
				}
				registerThrottler(global, key, cfg.HeaderRetryAfter, st.resetTime)
				return plugin.RespondResult(insufficientQuotaResponse(cfg.HeaderRetryAfter, secondsLeft)), nil
			}

			return plugin.ContinueResult(), nil
		},
		OnResponse: func(ctx context.Context, req *plugin.Request, resp *plugin.Response) (plugin.ResponseResult, error) {
			prompt, completion, ok := parseUsage(resp.Body)
			if !ok {
				return plugin.ResponseResult{}, nil
			}

			key := cfg.KeyFunc(req)
			st := perHostState(key)

			st.mu.Lock()
			defer st.mu.Unlock()

			st.promptRemaining -= prompt
			if st.promptRemaining < 0 {
				st.promptRemaining = 0
			}
			st.completionRemaining -= completion
			if st.completionRemaining < 0 {
				st.completionRemaining = 0
			}

			return plugin.ResponseResult{}, nil
		},
	}
}

// looksLikeLLMRequest checks the body is a recognizable LM request
// (presence of "prompt" or "messages"), spec Section 4.10.
func looksLikeLLMRequest(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var probe struct {
		Prompt   any `json:"prompt"`
		Messages any `json:"messages"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Prompt != nil || probe.Messages != nil
}

type usageBody struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func parseUsage(body []byte) (prompt, completion int, ok bool) {
	if len(body) == 0 {
		return 0, 0, false
	}
	var u usageBody
	if err := json.Unmarshal(body, &u); err != nil {
		return 0, 0, false
	}
	if u.Usage.PromptTokens == 0 && u.Usage.CompletionTokens == 0 {
		return 0, 0, false
	}
	return u.Usage.PromptTokens, u.Usage.CompletionTokens, true
}

func insufficientQuotaResponse(headerName string, secondsLeft int) *plugin.Response {
	header := http.Header{}
	header.Set(headerName, strconv.Itoa(secondsLeft))
	header.Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    "insufficient_quota",
			"message": "Token quota exceeded for this window",
		},
	})
	return &plugin.Response{
		StatusCode: http.StatusTooManyRequests,
		Reason:     "Too Many Requests",
		Header:     header,
		Body:       body,
	}
}
