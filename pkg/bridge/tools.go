// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/gemini"
	"github.com/stacklok/modelbridge/pkg/logger"
)

// registerTools declares the bridge tool surface on the MCP server.
func (s *Server) registerTools() {
	generateSchema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "User prompt to send to the model",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model name (defaults to the configured model)",
			},
			"system_instruction": map[string]interface{}{
				"type":        "string",
				"description": "Optional system instruction",
			},
			"max_output_tokens": map[string]interface{}{
				"type":        "integer",
				"description": "Cap on generated tokens for this call",
			},
			"temperature": map[string]interface{}{
				"type":        "number",
				"description": "Sampling temperature",
			},
		},
		Required: []string{"prompt"},
	}

	s.mcp.AddTool(mcp.Tool{
		Name:        "generate_content",
		Description: "Generate text with a Gemini model",
		InputSchema: generateSchema,
	}, s.handleGenerateContent)

	s.mcp.AddTool(mcp.Tool{
		Name:        "stream_generate_content",
		Description: "Generate text with a Gemini model, streaming progress as it arrives",
		InputSchema: generateSchema,
	}, s.handleStreamGenerateContent)

	s.mcp.AddTool(mcp.Tool{
		Name:        "count_tokens",
		Description: "Count the tokens a prompt would consume",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Text to count tokens for",
				},
				"model": map[string]interface{}{
					"type":        "string",
					"description": "Model name (defaults to the configured model)",
				},
			},
			Required: []string{"text"},
		},
	}, s.handleCountTokens)

	s.mcp.AddTool(mcp.Tool{
		Name:        "embed_content",
		Description: "Compute an embedding vector for a text",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Text to embed",
				},
				"model": map[string]interface{}{
					"type":        "string",
					"description": "Embedding model name",
				},
			},
			Required: []string{"text"},
		},
	}, s.handleEmbedContent)

	s.mcp.AddTool(mcp.Tool{
		Name:        "list_models",
		Description: "List the models available on the configured backend",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"page_size": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum models per page",
				},
				"page_token": map[string]interface{}{
					"type":        "string",
					"description": "Continuation token from a previous listing",
				},
			},
		},
	}, s.handleListModels)

	s.mcp.AddTool(mcp.Tool{
		Name:        "get_usage",
		Description: "Report today's token usage against the daily budget",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleGetUsage)

	s.mcp.AddTool(mcp.Tool{
		Name:        "approve_budget",
		Description: "Approve additional tokens for today's budget",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"tokens": map[string]interface{}{
					"type":        "integer",
					"description": "Number of tokens to add to today's ceiling",
				},
				"day": map[string]interface{}{
					"type":        "string",
					"description": "UTC day (YYYY-MM-DD), defaults to today",
				},
			},
			Required: []string{"tokens"},
		},
	}, s.handleApproveBudget)
}

// generateArgs is shared by the blocking and streaming generate tools.
type generateArgs struct {
	Prompt            string   `json:"prompt"`
	Model             string   `json:"model,omitempty"`
	SystemInstruction string   `json:"system_instruction,omitempty"`
	MaxOutputTokens   int      `json:"max_output_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
}

// validateGenerate applies per-request caps and fills defaults.
func (s *Server) validateGenerate(args *generateArgs) (inputChars int, errMsg string) {
	if args.Prompt == "" {
		return 0, "prompt must not be empty"
	}
	if args.Model == "" {
		args.Model = s.cfg.DefaultModel
	}
	if args.MaxOutputTokens <= 0 {
		args.MaxOutputTokens = s.cfg.Request.MaxOutputTokens
	}
	if args.MaxOutputTokens > s.cfg.Request.MaxOutputTokens {
		return 0, fmt.Sprintf("max_output_tokens %d exceeds the per-request cap of %d",
			args.MaxOutputTokens, s.cfg.Request.MaxOutputTokens)
	}
	inputChars = len(args.Prompt) + len(args.SystemInstruction)
	if inputChars > s.cfg.Request.MaxInputChars {
		return 0, fmt.Sprintf("input is %d characters, over the cap of %d",
			inputChars, s.cfg.Request.MaxInputChars)
	}
	return inputChars, ""
}

// buildGenerateRequest maps tool arguments onto the API request body.
func buildGenerateRequest(args *generateArgs) *gemini.GenerateRequest {
	req := &gemini.GenerateRequest{
		Contents: gemini.UserText(args.Prompt),
		GenerationConfig: &gemini.GenerationConfig{
			MaxOutputTokens: args.MaxOutputTokens,
			Temperature:     args.Temperature,
		},
	}
	if args.SystemInstruction != "" {
		req.SystemInstruction = &gemini.Content{
			Parts: []gemini.Part{{Text: args.SystemInstruction}},
		}
	}
	return req
}

func (s *Server) handleGenerateContent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := generateArgs{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}
	inputChars, errMsg := s.validateGenerate(&args)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	body := buildGenerateRequest(&args)
	res, err := s.invoke(ctx, toolCall{
		name:       "generate_content",
		inputChars: inputChars,
		maxOutput:  args.MaxOutputTokens,
		run: func(ctx context.Context, client *gemini.Client) ([]byte, error) {
			return client.GenerateContent(ctx, args.Model, body)
		},
	})
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}

	text := gemini.ExtractText(res.Raw)
	if text == "" {
		return mcp.NewToolResultError(formatToolError(structuredAPIError(res.Raw))), nil
	}
	return mcp.NewToolResultText(s.formatText(ctx, text, res)), nil
}

func (s *Server) handleStreamGenerateContent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := generateArgs{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}
	inputChars, errMsg := s.validateGenerate(&args)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	var progressToken any
	if request.Params.Meta != nil {
		progressToken = request.Params.Meta.ProgressToken
	}

	body := buildGenerateRequest(&args)
	var text string
	res, err := s.invoke(ctx, toolCall{
		name:       "stream_generate_content",
		inputChars: inputChars,
		maxOutput:  args.MaxOutputTokens,
		run: func(ctx context.Context, client *gemini.Client) ([]byte, error) {
			events, err := client.StreamGenerateContent(ctx, args.Model, body)
			if err != nil {
				return nil, err
			}

			// The last chunk carries the usageMetadata the commit needs.
			var last []byte
			for ev := range events {
				if ev.Err != nil {
					return nil, ev.Err
				}
				last = ev.Raw
				if chunk := gemini.ExtractText(ev.Raw); chunk != "" {
					text += chunk
					s.sendProgress(ctx, progressToken, len(text))
				}
			}
			return last, nil
		},
	})
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}

	if text == "" {
		return mcp.NewToolResultError(formatToolError(structuredAPIError(res.Raw))), nil
	}
	return mcp.NewToolResultText(s.formatText(ctx, text, res)), nil
}

// sendProgress emits a progress notification tied to the caller's token.
func (s *Server) sendProgress(ctx context.Context, token any, progress int) {
	if token == nil {
		return
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return
	}
	err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
		"progressToken": token,
		"progress":      progress,
	})
	if err != nil {
		logger.Debugf("failed to send progress notification: %v", err)
	}
}

func (s *Server) handleCountTokens(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		Text  string `json:"text"`
		Model string `json:"model,omitempty"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}
	if args.Text == "" {
		return mcp.NewToolResultError("text must not be empty"), nil
	}
	if args.Model == "" {
		args.Model = s.cfg.DefaultModel
	}
	if len(args.Text) > s.cfg.Request.MaxInputChars {
		return mcp.NewToolResultError(fmt.Sprintf("input is %d characters, over the cap of %d",
			len(args.Text), s.cfg.Request.MaxInputChars)), nil
	}

	res, err := s.invoke(ctx, toolCall{
		name:         "count_tokens",
		inputChars:   len(args.Text),
		metadataOnly: true,
		run: func(ctx context.Context, client *gemini.Client) ([]byte, error) {
			return client.CountTokens(ctx, args.Model, &gemini.CountTokensRequest{
				Contents: gemini.UserText(args.Text),
			})
		},
	})
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}

	total := gjson.GetBytes(res.Raw, "totalTokens").Int()
	return mcp.NewToolResultText(
		s.formatText(ctx, fmt.Sprintf("Total tokens: %d", total), res)), nil
}

func (s *Server) handleEmbedContent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		Text  string `json:"text"`
		Model string `json:"model,omitempty"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}
	if args.Text == "" {
		return mcp.NewToolResultError("text must not be empty"), nil
	}
	if args.Model == "" {
		args.Model = s.cfg.DefaultModel
	}
	if len(args.Text) > s.cfg.Request.MaxInputChars {
		return mcp.NewToolResultError(fmt.Sprintf("input is %d characters, over the cap of %d",
			len(args.Text), s.cfg.Request.MaxInputChars)), nil
	}

	res, err := s.invoke(ctx, toolCall{
		name:       "embed_content",
		inputChars: len(args.Text),
		run: func(ctx context.Context, client *gemini.Client) ([]byte, error) {
			if s.cfg.Backend == config.BackendVertex {
				return client.Predict(ctx, args.Model, &gemini.PredictRequest{
					Instances: []gemini.PredictInstance{{Content: args.Text}},
				})
			}
			return client.EmbedContent(ctx, args.Model, &gemini.EmbedContentRequest{
				Content: gemini.Content{Parts: []gemini.Part{{Text: args.Text}}},
			})
		},
	})
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}

	return mcp.NewToolResultText(s.formatText(ctx, string(res.Raw), res)), nil
}

func (s *Server) handleListModels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		PageSize  int    `json:"page_size,omitempty"`
		PageToken string `json:"page_token,omitempty"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}

	res, err := s.invoke(ctx, toolCall{
		name:         "list_models",
		metadataOnly: true,
		run: func(ctx context.Context, client *gemini.Client) ([]byte, error) {
			return client.ListModels(ctx, args.PageSize, args.PageToken)
		},
	})
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}

	return mcp.NewToolResultText(s.formatText(ctx, string(res.Raw), res)), nil
}

func (s *Server) handleGetUsage(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	usage, err := s.budget.Usage(ctx)
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}
	return mcp.NewToolResultStructuredOnly(usage), nil
}

func (s *Server) handleApproveBudget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		Tokens int64  `json:"tokens"`
		Day    string `json:"day,omitempty"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}
	if args.Tokens <= 0 {
		return mcp.NewToolResultError("tokens must be positive"), nil
	}

	approved, err := s.approveBudget(ctx, args.Day, args.Tokens)
	if err != nil {
		return mcp.NewToolResultError(formatToolError(err)), nil
	}
	day := args.Day
	if day == "" {
		day = "today"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Approved %d additional tokens for %s (total approved: %d).",
		args.Tokens, day, approved)), nil
}
