// Package ai is the optional metadata-enrichment collaborator: given a
// document's normalized text, it asks a structured-output LLM call to
// propose a title, correspondent, document type, tags and date, then tracks
// the resulting AiJob/AiResult through the same event bus the sync, analysis
// and batch subsystems use. The core never does prompt engineering beyond
// the minimal instruction needed to get a parseable suggestion back; it only
// consumes the resulting structured record.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DefaultModel is used when Config.Model is unset.
const DefaultModel = "gpt-4o-mini"

// maxDocumentChars bounds how much normalized text is sent to the model per
// request, keeping token usage (and cost) predictable per document.
const maxDocumentChars = 8000

// Config configures a Collaborator backed by an OpenAI-compatible endpoint.
type Config struct {
	APIKey  string
	BaseURL string // empty uses the provider default
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns the documented defaults; callers still must set
// APIKey (or rely on client-level auth already configured upstream).
func DefaultConfig() Config {
	return Config{Model: DefaultModel, Timeout: 30 * time.Second}
}

// Collaborator proposes metadata for a document's text. The core depends
// only on this interface, never on a specific provider.
type Collaborator interface {
	Suggest(ctx context.Context, text string) (types.AiResult, error)
}

// suggestionPayload is the JSON shape the model is asked to emit; Confidence
// values are expected in [0, 1].
type suggestionPayload struct {
	Title         fieldPayload `json:"title"`
	Correspondent fieldPayload `json:"correspondent"`
	DocumentType  fieldPayload `json:"document_type"`
	Tags          fieldPayload `json:"tags"`
	Date          fieldPayload `json:"date"`
}

type fieldPayload struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// OpenAICollaborator implements Collaborator against an OpenAI-compatible
// chat completion API, constrained to JSON-object output.
type OpenAICollaborator struct {
	client *openai.Client
	model  string
}

// NewOpenAICollaborator builds a Collaborator from Config.
func NewOpenAICollaborator(cfg Config) *OpenAICollaborator {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAICollaborator{client: openai.NewClientWithConfig(oaiCfg), model: model}
}

// Suggest asks the model for a structured suggestion record for text.
func (o *OpenAICollaborator) Suggest(ctx context.Context, text string) (types.AiResult, error) {
	if len(text) > maxDocumentChars {
		text = text[:maxDocumentChars]
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Extract document metadata as JSON with keys title, correspondent, document_type, tags, date, each an object with value and confidence (0 to 1).",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
	})
	if err != nil {
		return types.AiResult{}, apperr.Wrap(apperr.UpstreamTransient, "ai.Suggest", err)
	}
	if len(resp.Choices) == 0 {
		return types.AiResult{}, apperr.New(apperr.Internal, "ai.Suggest", "model returned no choices")
	}

	var payload suggestionPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return types.AiResult{}, apperr.Wrap(apperr.Internal, "ai.Suggest", fmt.Errorf("parsing model output: %w", err))
	}

	return types.AiResult{
		Title:         toSuggestion(payload.Title),
		Correspondent: toSuggestion(payload.Correspondent),
		DocumentType:  toSuggestion(payload.DocumentType),
		Tags:          toSuggestion(payload.Tags),
		Date:          toSuggestion(payload.Date),
	}, nil
}

func toSuggestion(f fieldPayload) types.AiSuggestion {
	return types.AiSuggestion{Value: f.Value, Confidence: f.Confidence}
}

// Coordinator runs enrichment jobs against a Collaborator, persisting
// AiJob/AiResult records and publishing progress the same way sync,
// analysis and batch do.
type Coordinator struct {
	collaborator Collaborator
	store        *store.Store
	bus          *events.Bus

	mu  sync.Mutex
	seq int
}

// New creates a Coordinator.
func New(collaborator Collaborator, st *store.Store, bus *events.Bus) *Coordinator {
	return &Coordinator{collaborator: collaborator, store: st, bus: bus}
}

// Enrich runs one enrichment job for documentID synchronously: it persists a
// running AiJob, calls the collaborator, and persists the terminal job state
// plus the AiResult on success.
func (c *Coordinator) Enrich(ctx context.Context, documentID types.DocumentID, text string) (types.AiJob, error) {
	job := types.AiJob{
		ID:         c.nextJobID(documentID),
		DocumentID: documentID,
		Status:     types.AiJobRunning,
		CreatedAt:  timeNow(),
	}
	if err := c.store.SaveAiJob(job); err != nil {
		return types.AiJob{}, apperr.Wrap(apperr.Storage, "ai.Enrich", err)
	}
	c.bus.Publish(events.AiJobUpdate, job.ID, job)

	result, err := c.collaborator.Suggest(ctx, text)
	if err != nil {
		job.Status = types.AiJobFailed
		job.Error = err.Error()
		_ = c.store.SaveAiJob(job)
		c.bus.Publish(events.AiJobCompleted, job.ID, job)
		return job, err
	}

	result.JobID = job.ID
	result.DocumentID = documentID
	if err := c.store.SaveAiResult(result); err != nil {
		job.Status = types.AiJobFailed
		job.Error = err.Error()
		_ = c.store.SaveAiJob(job)
		c.bus.Publish(events.AiJobCompleted, job.ID, job)
		return job, apperr.Wrap(apperr.Storage, "ai.Enrich", err)
	}

	job.Status = types.AiJobCompleted
	if err := c.store.SaveAiJob(job); err != nil {
		return job, apperr.Wrap(apperr.Storage, "ai.Enrich", err)
	}
	c.bus.Publish(events.AiJobCompleted, job.ID, job)
	return job, nil
}

// Decide records the user's disposition of one suggested field, optionally
// overriding its value, and persists the updated AiResult.
func (c *Coordinator) Decide(jobID, field string, decision types.AiFieldDecision, override string) error {
	result, err := c.store.AiResult(jobID)
	if err != nil {
		return err
	}

	apply := func(s *types.AiSuggestion) {
		s.Decision = decision
		s.Override = override
	}
	switch field {
	case "title":
		apply(&result.Title)
	case "correspondent":
		apply(&result.Correspondent)
	case "document_type":
		apply(&result.DocumentType)
	case "tags":
		apply(&result.Tags)
	case "date":
		apply(&result.Date)
	default:
		return apperr.New(apperr.InvalidConfig, "ai.Decide", "unknown field: "+field)
	}
	return c.store.SaveAiResult(result)
}

func (c *Coordinator) nextJobID(documentID types.DocumentID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("aijob_%s_%d", documentID, c.seq)
}

var timeNow = time.Now
