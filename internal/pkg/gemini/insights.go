// Package gemini generates listing insights with the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/model"
)

const (
	DefaultModel   = "gemini-2.0-flash"
	defaultTimeout = 20 * time.Second
	maxListItems   = 5
)

var ErrEmptyResponse = errors.New("gemini returned no content")

// contentGenerator 即 genai.Client.Models，测试时替换
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// InsightsGenerator 实现 pipeline.InsightsGenerator
type InsightsGenerator struct {
	models      contentGenerator
	model       string
	temperature float32
	timeout     time.Duration
	log         *slog.Logger
}

func NewInsightsGenerator(ctx context.Context, cfg *config.LLMConfig, log *slog.Logger) (*InsightsGenerator, error) {
	if cfg.GoogleAPIKey == "" {
		return nil, errors.New("google api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	return newInsightsGenerator(client.Models, cfg, log), nil
}

func newInsightsGenerator(models contentGenerator, cfg *config.LLMConfig, log *slog.Logger) *InsightsGenerator {
	g := &InsightsGenerator{
		models:      models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		log:         log.With("component", "gemini"),
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	return g
}

// insightsPayload 要求模型返回的 JSON 结构
type insightsPayload struct {
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":      {Type: genai.TypeString},
		"strengths":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"improvements": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"summary", "strengths", "improvements"},
}

func (g *InsightsGenerator) GenerateInsights(ctx context.Context, listing *model.ListingData) (*model.Insights, error) {
	if listing == nil {
		return nil, errors.New("listing is required")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(buildPrompt(listing.Common(), listing.IsReal()))},
		},
	}, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.temperature),
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("generate content (model: %s): %w", g.model, err)
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}

	var payload insightsPayload
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &payload); err != nil {
		return nil, fmt.Errorf("decode insights: %w", err)
	}

	g.log.DebugContext(ctx, "insights generated", "model", g.model, "took", time.Since(start))
	return &model.Insights{
		Summary:      payload.Summary,
		Strengths:    limit(payload.Strengths, maxListItems),
		Improvements: limit(payload.Improvements, maxListItems),
		Model:        g.model,
	}, nil
}

func buildPrompt(l model.ListingSummary, real bool) string {
	var b strings.Builder
	b.WriteString("You review short-term rental listings for hosts. ")
	b.WriteString("Return JSON with a one-paragraph summary, up to 5 strengths and up to 5 concrete improvements.\n\n")
	if !real {
		b.WriteString("Note: live data was unavailable, the listing below is an estimate.\n")
	}
	fmt.Fprintf(&b, "Title: %s\n", l.Title)
	fmt.Fprintf(&b, "Type: %s\n", l.PropertyType)
	fmt.Fprintf(&b, "Location: %s\n", l.Location)
	fmt.Fprintf(&b, "Price per night: %.2f %s\n", l.PricePerNight, l.Currency)
	fmt.Fprintf(&b, "Rating: %.2f (%d reviews)\n", l.Rating, l.ReviewCount)
	fmt.Fprintf(&b, "Photos: %d\n", l.PhotoCount)
	fmt.Fprintf(&b, "Guests/Bedrooms/Bathrooms: %d/%d/%.1f\n", l.Guests, l.Bedrooms, l.Bathrooms)
	fmt.Fprintf(&b, "Superhost: %t\n", l.IsSuperhost)
	fmt.Fprintf(&b, "Amenities: %s\n", strings.Join(l.Amenities, ", "))
	fmt.Fprintf(&b, "Description:\n%s\n", l.Description)
	return b.String()
}

// stripCodeFence 兼容模型偶尔包裹的 ```json 代码块
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func limit(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
