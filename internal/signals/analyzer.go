package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// TakeProfitTarget is one rung of the proposed TP ladder.
type TakeProfitTarget struct {
	Price   float64 `json:"price"`
	Percent float64 `json:"percent"`
	Qty     float64 `json:"qty,omitempty"`
}

// AnalysisParams carries the trade plan extracted from a raw signal.
type AnalysisParams struct {
	EntryPrice      float64            `json:"entry_price"`
	StopLoss        float64            `json:"stop_loss"`
	TakeProfits     []TakeProfitTarget `json:"take_profits"`
	Leverage        int                `json:"leverage,omitempty"`
	Investment      float64            `json:"investment,omitempty"`
	ValidForMinutes int                `json:"valid_for_minutes,omitempty"`
}

// Analysis is one structured decision extracted from a raw signal
// message. A single message may yield several.
type Analysis struct {
	Decision   string         `json:"decision"` // trade | skip
	Symbol     string         `json:"symbol"`
	MarketType string         `json:"market_type"` // SPOT | FUTURES
	Direction  string         `json:"direction"`   // LONG | SHORT
	Params     AnalysisParams `json:"parameters"`
	Confidence float64        `json:"confidence"`
	IsSafe     bool           `json:"is_safe"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// Tradable reports whether the analysis asks for a position.
func (a *Analysis) Tradable() bool {
	return strings.EqualFold(a.Decision, "trade")
}

// Side maps the analysis direction onto an order side.
func (a *Analysis) Side() models.Side {
	if strings.EqualFold(a.Direction, "SHORT") {
		return models.SideSell
	}
	return models.SideBuy
}

// ExpiryDecision is the verdict for one expired signal bot: close it
// out or keep it alive with a revised risk plan.
type ExpiryDecision struct {
	Action         string             `json:"action"` // close | update
	NewStopLoss    *float64           `json:"new_stop_loss,omitempty"`
	NewTakeProfits []TakeProfitTarget `json:"new_take_profits,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
}

// Analyzer is the external collaborator that turns free-form signal
// text into structured trade plans.
type Analyzer interface {
	AnalyzeSignal(ctx context.Context, rawText string) ([]Analysis, error)
	DecideExpiry(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) (*ExpiryDecision, error)
}

// LLMAnalyzer talks to a chat-completions compatible endpoint.
type LLMAnalyzer struct {
	cfg    *config.AIConfig
	client *http.Client
}

// NewLLMAnalyzer creates the HTTP-backed analyzer.
func NewLLMAnalyzer(cfg *config.AIConfig) *LLMAnalyzer {
	return &LLMAnalyzer{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

const analyzeSystemPrompt = `You are a crypto trading signal parser. You receive one raw message
from a signal channel and extract zero or more actionable trade plans.

Respond ONLY with a JSON array (possibly empty). Each element:
{
  "decision": "trade" or "skip",
  "symbol": "BTC/USDT",
  "market_type": "SPOT" or "FUTURES",
  "direction": "LONG" or "SHORT",
  "parameters": {
    "entry_price": number,
    "stop_loss": number,
    "take_profits": [{"price": number, "percent": number}],
    "leverage": integer (optional),
    "investment": number in USDT (optional),
    "valid_for_minutes": integer (optional)
  },
  "confidence": number 0..1,
  "is_safe": boolean,
  "reasoning": "short explanation"
}

Mark is_safe=false for pump-and-dump calls, signals with no stop loss,
or entries far away from any stated reference price.`

const expirySystemPrompt = `You manage an expired crypto signal position. Given the original plan
and its current state, decide whether to close everything out now or to
keep it running with a revised stop loss and/or take profit ladder.

Respond ONLY with JSON:
{
  "action": "close" or "update",
  "new_stop_loss": number (only for update, optional),
  "new_take_profits": [{"price": number, "percent": number}] (only for update, optional),
  "reasoning": "short explanation"
}`

// AnalyzeSignal extracts structured trade plans from raw signal text.
func (l *LLMAnalyzer) AnalyzeSignal(ctx context.Context, rawText string) ([]Analysis, error) {
	content, err := l.complete(ctx, analyzeSystemPrompt, rawText)
	if err != nil {
		return nil, err
	}

	clean := stripMarkdownCodeBlock(content)

	var analyses []Analysis
	if err := json.Unmarshal([]byte(clean), &analyses); err != nil {
		// Some models return a bare object for a single-plan message.
		var single Analysis
		if err2 := json.Unmarshal([]byte(clean), &single); err2 != nil {
			return nil, fmt.Errorf("failed to parse analysis response: %w", err)
		}
		analyses = []Analysis{single}
	}
	return analyses, nil
}

// DecideExpiry asks the collaborator what to do with one expired bot.
func (l *LLMAnalyzer) DecideExpiry(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) (*ExpiryDecision, error) {
	prompt, err := buildExpiryPrompt(bot, items)
	if err != nil {
		return nil, err
	}

	content, err := l.complete(ctx, expirySystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var decision ExpiryDecision
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(content)), &decision); err != nil {
		return nil, fmt.Errorf("failed to parse expiry response: %w", err)
	}
	if decision.Action != "close" && decision.Action != "update" {
		return nil, fmt.Errorf("unexpected expiry action %q", decision.Action)
	}
	return &decision, nil
}

func buildExpiryPrompt(bot *models.TelegramBot, items []models.TelegramTradeItem) (string, error) {
	state := map[string]interface{}{
		"symbol":             bot.Symbol,
		"side":               bot.Side,
		"status":             bot.Status,
		"entry_price":        bot.Config.EntryPrice,
		"actual_entry_price": bot.ActualEntryPrice,
		"stop_loss":          bot.Config.StopLoss,
		"unrealized_pnl_pct": bot.UnrealizedPnLPct,
		"items":              items,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal expiry state: %w", err)
	}
	return "The signal for this position has expired. Current state:\n" + string(raw), nil
}

// complete performs one chat-completions request and returns the
// assistant message content.
func (l *LLMAnalyzer) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if l.cfg.APIKey == "" {
		return "", fmt.Errorf("signal analyzer is not configured")
	}

	reqBody := map[string]interface{}{
		"model": l.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": l.cfg.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("analyzer API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode analyzer response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty analyzer response")
	}

	logger.Debug("analyzer response",
		zap.Duration("latency", time.Since(start)),
		zap.Int("bytes", len(result.Choices[0].Message.Content)),
	)
	return result.Choices[0].Message.Content, nil
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripMarkdownCodeBlock unwraps responses fenced as ```json ... ```.
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}
