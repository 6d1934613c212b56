package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/pkg/anthropic"
)

// llmTextCap bounds the page text sent for field fill. Detail pages worth
// extracting fit comfortably under it; anything longer is nav and footer.
const llmTextCap = 8000

const fillSystemPrompt = `You extract event details from web page text.
Respond with a single JSON object whose keys are exactly the field names
requested and whose values are strings. Use RFC 3339 for timestamps. If a
field is not present in the text, set its value to "unknown". Do not add
keys, commentary, or markdown fences.`

// LLMStrategy fills fields the deterministic strategies left empty by
// asking a model to read the page text. It only ever asks for the gaps,
// never re-extracts what structured or heuristic parsing already found.
type LLMStrategy struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
}

// NewLLMStrategy returns an LLM-backed fill strategy.
func NewLLMStrategy(client anthropic.Client, cfg config.AnthropicConfig) *LLMStrategy {
	return &LLMStrategy{client: client, cfg: cfg}
}

// Method implements Strategy.
func (s *LLMStrategy) Method() model.ExtractionMethod { return model.MethodLLM }

// Extract implements Strategy.
func (s *LLMStrategy) Extract(ctx context.Context, page *driver.Page, have map[string]model.FieldValue) (map[string]model.FieldValue, error) {
	missing := missingKeys(have)
	if len(missing) == 0 {
		return nil, nil
	}

	text, err := pageText(page.HTML)
	if err != nil {
		return nil, eris.Wrap(err, "llm: prepare page text")
	}
	if text == "" {
		return nil, nil
	}

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(fillSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: buildFillPrompt(page.URL, missing, text)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: field fill")
	}
	resp.Usage.LogCost(s.cfg.Model, "field_fill")

	parsed, err := parseFillResponse(resp.Text())
	if err != nil {
		return nil, eris.Wrap(err, "llm: parse fill response")
	}

	asked := make(map[string]bool, len(missing))
	for _, key := range missing {
		asked[key] = true
	}

	fields := make(map[string]model.FieldValue)
	for key, value := range parsed {
		if !asked[key] {
			continue
		}
		value = collapse(value)
		if value == "" || strings.EqualFold(value, "unknown") || strings.EqualFold(value, "null") {
			continue
		}
		if key == model.FieldStartTime || key == model.FieldEndTime {
			putTime(fields, key, value, model.MethodLLM, 0.7)
			continue
		}
		putField(fields, key, value, model.MethodLLM, 0.7)
	}
	return fields, nil
}

// missingKeys lists canonical fields not yet populated, in stable order.
func missingKeys(have map[string]model.FieldValue) []string {
	var missing []string
	for _, key := range model.AllFieldKeys() {
		if fv, ok := have[key]; !ok || strings.TrimSpace(fv.Value) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// pageText strips markup down to visible text, capped at llmTextCap runes.
func pageText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	text := collapse(doc.Text())
	if runes := []rune(text); len(runes) > llmTextCap {
		text = string(runes[:llmTextCap])
	}
	return text, nil
}

func buildFillPrompt(pageURL string, missing []string, text string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Page URL: %s\n\nFields to extract:\n", pageURL)
	for _, key := range missing {
		fmt.Fprintf(&sb, "- %s\n", key)
	}
	sb.WriteString("\nPage text:\n")
	sb.WriteString(text)
	return sb.String()
}

// parseFillResponse pulls the JSON object out of the model's reply and
// coerces its values to strings. Models occasionally wrap the object in
// prose despite instructions, so we cut from the first brace to the last.
func parseFillResponse(reply string) (map[string]string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in reply")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, eris.Wrap(err, "decode JSON object")
	}

	out := make(map[string]string, len(raw))
	for key, v := range raw {
		switch t := v.(type) {
		case string:
			out[key] = t
		case float64:
			out[key] = strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return out, nil
}
