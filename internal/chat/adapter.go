package chat

import (
	"context"

	"policychat/internal/llm"
	"policychat/internal/models"
	"policychat/internal/prompt"
)

type modelAdapter struct {
	client *llm.Client
}

// NewModelAdapter exposes the provider client through the controller's
// interface.
func NewModelAdapter(client *llm.Client) ModelClient {
	return modelAdapter{client: client}
}

func (a modelAdapter) Stream(ctx context.Context, req *prompt.Request) (ModelStream, error) {
	stream, err := a.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (a modelAdapter) GenerateTitle(ctx context.Context, turns []*models.Turn) (string, error) {
	return a.client.GenerateTitle(ctx, turns)
}
