package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"policychat/internal/auth"
	"policychat/internal/llm"
	"policychat/internal/models"
	"policychat/internal/prompt"
	"policychat/internal/worker"

	"github.com/cenkalti/backoff/v4"
)

// State is the lifecycle position of one chat request.
type State string

const (
	StateIdle            State = "idle"
	StateAuthenticating  State = "authenticating"
	StateComposingPrompt State = "composing_prompt"
	StateStreaming       State = "streaming"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateAborted         State = "aborted"
)

// Verifier checks a credential and yields the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// ProfileSource reads the caller's active personalization profile.
type ProfileSource interface {
	GetActiveProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// HistoryStore persists conversations and completed turns.
type HistoryStore interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversationWithTurns(ctx context.Context, userID string, conversationID int64) (*models.Conversation, []*models.Turn, error)
	AppendTurn(ctx context.Context, conversationID int64, userID, userContent, assistantContent, profileSnapshot string) (*models.Turn, error)
	UpdateConversationTitle(ctx context.Context, userID string, conversationID int64, title string) error
}

// ModelStream yields delta chunks from the provider.
type ModelStream interface {
	Recv() (string, error)
	Close()
}

// ModelClient opens completion streams and generates conversation titles.
type ModelClient interface {
	Stream(ctx context.Context, req *prompt.Request) (ModelStream, error)
	GenerateTitle(ctx context.Context, turns []*models.Turn) (string, error)
}

// Request is one chat exchange. ConversationID zero starts a new
// conversation. ChunkFn is invoked once per relayed delta chunk; returning an
// error aborts the stream without persisting anything.
type Request struct {
	Credential     string
	ConversationID int64
	Message        string
	ChunkFn        func(chunk string) error
	OnState        func(state State)
}

// Result reports a completed exchange.
type Result struct {
	ConversationID int64
	Turn           *models.Turn
	Title          string
}

const (
	defaultVerifyTimeout   = 2 * time.Second
	defaultFinalizeTimeout = 10 * time.Second
	defaultRetryMax        = 2
)

// Controller drives a chat request through authentication, prompt
// composition, streaming, and finalization. History is only written in the
// finalization step, after the complete response has been received.
type Controller struct {
	auth     Verifier
	profiles ProfileSource
	history  HistoryStore
	model    ModelClient
	composer prompt.Composer
	appends  *worker.Manager
	limiter  *worker.Limiter

	verifyTimeout time.Duration
	retryMax      int
}

// Options bounds controller behavior. A zero Composer takes the composer
// defaults. RetryMax zero means the default retry count; a negative value
// disables retries entirely.
type Options struct {
	Composer prompt.Composer
	RetryMax int
}

// NewController wires the pipeline components together.
func NewController(verifier Verifier, profiles ProfileSource, history HistoryStore, model ModelClient, appends *worker.Manager, limiter *worker.Limiter, opts Options) *Controller {
	var retryMax int
	switch {
	case opts.RetryMax > 0:
		retryMax = opts.RetryMax
	case opts.RetryMax == 0:
		retryMax = defaultRetryMax
	}
	if appends == nil {
		appends = worker.NewManager(0)
	}
	if limiter == nil {
		limiter = worker.NewLimiter(0)
	}
	return &Controller{
		auth:          verifier,
		profiles:      profiles,
		history:       history,
		model:         model,
		composer:      prompt.NewComposer(opts.Composer.MaxTurns, opts.Composer.MaxMessageChars),
		appends:       appends,
		limiter:       limiter,
		verifyTimeout: defaultVerifyTimeout,
		retryMax:      retryMax,
	}
}

// Run executes one chat exchange end to end. Any error before the first
// relayed chunk leaves history untouched; after the first chunk only a clean
// end of stream results in a persisted turn.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	setState := func(s State) {
		if req.OnState != nil {
			req.OnState(s)
		}
	}
	setState(StateAuthenticating)

	verifyCtx, cancelVerify := context.WithTimeout(ctx, c.verifyTimeout)
	identity, err := c.auth.Verify(verifyCtx, req.Credential)
	cancelVerify()
	if err != nil {
		setState(StateAborted)
		return nil, err
	}

	setState(StateComposingPrompt)

	var turns []*models.Turn
	conversationID := req.ConversationID
	firstTurn := false
	if conversationID == 0 {
		conversation, err := c.history.CreateConversation(ctx, identity.UserID, "")
		if err != nil {
			setState(StateAborted)
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conversation.ID
		firstTurn = true
	} else {
		_, existing, err := c.history.GetConversationWithTurns(ctx, identity.UserID, conversationID)
		if err != nil {
			setState(StateAborted)
			return nil, err
		}
		turns = existing
		firstTurn = len(existing) == 0
	}

	// A profile read failure degrades to an unpersonalized answer rather
	// than failing the whole exchange.
	profile, err := c.profiles.GetActiveProfile(ctx, identity.UserID)
	if err != nil {
		log.Printf("active profile for user %s: %v", identity.UserID, err)
		profile = nil
	}

	composed, err := c.composer.Compose(turns, req.Message, profile)
	if err != nil {
		setState(StateAborted)
		return nil, err
	}

	if err := c.limiter.Acquire(); err != nil {
		setState(StateAborted)
		return nil, err
	}
	defer c.limiter.Release()

	setState(StateStreaming)
	full, err := c.stream(ctx, composed, req.ChunkFn)
	if err != nil {
		setState(StateAborted)
		return nil, err
	}

	setState(StateFinalizing)
	snapshot := ""
	if profile != nil {
		if data, err := json.Marshal(profile); err == nil {
			snapshot = string(data)
		}
	}

	// The exchange is complete; the append must survive a client that
	// disconnects right after the last chunk.
	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeTimeout)
	defer cancelFinalize()

	var turn *models.Turn
	err = c.appends.Do(finalizeCtx, identity.UserID, func(taskCtx context.Context) error {
		var appendErr error
		turn, appendErr = c.history.AppendTurn(taskCtx, conversationID, identity.UserID, req.Message, full, snapshot)
		return appendErr
	})
	if err != nil {
		setState(StateAborted)
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	title := ""
	if firstTurn {
		title = c.assignTitle(finalizeCtx, identity.UserID, conversationID, req.Message, turn)
	}

	setState(StateDone)
	return &Result{ConversationID: conversationID, Turn: turn, Title: title}, nil
}

// stream relays delta chunks to the caller and returns the concatenated
// response. Unavailability is retried with exponential backoff, but only
// while no chunk has been relayed; the originally composed request is reused
// unchanged on every attempt.
func (c *Controller) stream(ctx context.Context, composed *prompt.Request, chunkFn func(string) error) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		full, relayed, err := c.streamOnce(ctx, composed, chunkFn)
		if err == nil {
			return full, nil
		}
		lastErr = err

		if relayed > 0 || !errors.Is(err, llm.ErrUpstreamUnavailable) {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Controller) streamOnce(ctx context.Context, composed *prompt.Request, chunkFn func(string) error) (string, int, error) {
	stream, err := c.model.Stream(ctx, composed)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	var full strings.Builder
	relayed := 0
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", relayed, err
		}
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		relayed++
		if chunkFn != nil {
			if cbErr := chunkFn(chunk); cbErr != nil {
				return "", relayed, cbErr
			}
		}
		select {
		case <-ctx.Done():
			return "", relayed, ctx.Err()
		default:
		}
	}

	if full.Len() == 0 {
		// An empty clean end never produces a turn; treat it as a
		// provider fault so the retry path applies.
		return "", relayed, fmt.Errorf("%w: empty response", llm.ErrUpstreamUnavailable)
	}
	return full.String(), relayed, nil
}

// assignTitle names a new conversation from its first exchange. Title
// generation failures fall back to a truncated message and never fail the
// turn itself.
func (c *Controller) assignTitle(ctx context.Context, userID string, conversationID int64, message string, turn *models.Turn) string {
	title, err := c.model.GenerateTitle(ctx, []*models.Turn{turn})
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			log.Printf("generate title for conversation %d: %v", conversationID, err)
		}
		title = fallbackTitle(message)
	}
	if err := c.history.UpdateConversationTitle(ctx, userID, conversationID, title); err != nil {
		log.Printf("update title for conversation %d: %v", conversationID, err)
		return ""
	}
	return title
}

func fallbackTitle(message string) string {
	const maxTitleRunes = 20
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return message
}
