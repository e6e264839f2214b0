package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marlowbot/marlow/internal/tools"
)

// Tool wraps the Fetcher as an agent tool named fetch_url.
func Tool(f *Fetcher) tools.Tool {
	return &tools.Func{
		ToolName:        "fetch_url",
		ToolDescription: "Fetch a web page and extract its readable text content. Use after web_search to read a promising result in full.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch and extract content from.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return. Default: 50000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("fetch_url: url is required")
			}

			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			result, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return "", err
			}

			// Return JSON for structured consumption by the agent.
			out, err := json.Marshal(result)
			if err != nil {
				// Fallback to plain text
				return fmt.Sprintf("Title: %s\n\n%s", result.Title, result.Content), nil
			}
			return string(out), nil
		},
	}
}
