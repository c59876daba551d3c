package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"policychat/internal/config"
	"policychat/internal/models"
	"policychat/internal/prompt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultChunkTimeout = 30 * time.Second

// Client talks to one configured model provider. It accepts composed
// requests and hands back incremental streams.
type Client struct {
	chatModel    model.ToolCallingChatModel
	provider     string
	modelName    string
	chunkTimeout time.Duration
}

// NewClient builds the provider client from configuration. The provider name
// selects the backend; the API key is server-side configuration, never a
// per-request value.
func NewClient(provider string, provCfg config.ProviderConfig, chunkTimeout time.Duration) (*Client, error) {
	var chatModel model.ToolCallingChatModel
	var err error

	modelName := provCfg.Model
	if modelName == "" {
		return nil, fmt.Errorf("provider %s: model is required", provider)
	}
	if chunkTimeout <= 0 {
		chunkTimeout = defaultChunkTimeout
	}

	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Client{
		chatModel:    chatModel,
		provider:     provider,
		modelName:    modelName,
		chunkTimeout: chunkTimeout,
	}, nil
}

// Stream opens a streaming completion for the composed request. Setup
// failures are classified; the returned stream yields delta chunks until a
// clean end or a stream error.
func (c *Client) Stream(ctx context.Context, req *prompt.Request) (*Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	messages := convertRequest(req)

	streamCtx, cancel := context.WithCancel(ctx)
	reader, err := c.chatModel.Stream(streamCtx, messages)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	return newStream(streamCtx, cancel, reader, c.chunkTimeout), nil
}

const titlePrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation, in the language the user wrote in. " +
	"The title should be within 10 characters and summarize the main topic of the conversation. " +
	"Output only the title; do not include any additional content."

// GenerateTitle produces a short conversation title from completed turns.
func (c *Client) GenerateTitle(ctx context.Context, turns []*models.Turn) (string, error) {
	if len(turns) == 0 {
		return "새 대화", nil
	}
	var conversation strings.Builder
	for _, turn := range turns {
		if turn == nil {
			continue
		}
		fmt.Fprintf(&conversation, "User: %s\n", turn.UserContent)
		fmt.Fprintf(&conversation, "Assistant: %s\n", turn.AssistantContent)
	}

	resp, err := c.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: titlePrompt},
		{Role: schema.User, Content: "Please generate a clean title using following conversation messages:\n\n" + conversation.String()},
	})
	if err != nil {
		return "", classify(err)
	}
	title := strings.TrimSpace(resp.Content)
	if title == "" {
		return "새 대화", nil
	}
	return title, nil
}

func convertRequest(req *prompt.Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: req.System})
	}
	for _, msg := range req.Messages {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	return messages
}
