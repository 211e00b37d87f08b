// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
)

// DefaultSamplingMaxTokens bounds sampling responses when a request sets no limit.
const DefaultSamplingMaxTokens = 2048

// Sampler is the part of an MCP server session used for sampling.
type Sampler interface {
	CreateMessage(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error)
}

// SamplingClassifier answers classifier requests through the connected MCP client's
// sampling capability, so the client's own model does the classification.
type SamplingClassifier struct {
	sampler Sampler
}

// NewSamplingClassifier creates a classifier over s.
func NewSamplingClassifier(s Sampler) *SamplingClassifier {
	return &SamplingClassifier{sampler: s}
}

// Classify implements classifier.Classifier.
func (c *SamplingClassifier) Classify(ctx context.Context, req classifier.Request) (string, error) {
	if c.sampler == nil {
		return "", classifier.ErrNoClassifier
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultSamplingMaxTokens
	}
	prompt := req.Prompt
	if req.ResponseFormat == classifier.FormatJSONHint {
		prompt += "\n\nReturn only JSON."
	}

	res, err := c.sampler.CreateMessage(ctx, &mcp.CreateMessageParams{
		Messages: []*mcp.SamplingMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: prompt},
		}},
		SystemPrompt: req.System,
		MaxTokens:    int64(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("sampling %s: %w", req.Stage, err)
	}
	if res == nil {
		return "", errors.New("sampling returned no result")
	}
	text, ok := res.Content.(*mcp.TextContent)
	if !ok || text.Text == "" {
		return "", fmt.Errorf("sampling %s: response has no text content", req.Stage)
	}
	return text.Text, nil
}
