// Package llm initializes the chat model and wraps it with response
// validation so empty provider responses surface as errors instead of
// silent blank replies.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vsf-health/vsf-agent/internal/telemetry"
)

// Config holds what is needed to construct the chat model.
type Config struct {
	Model          string
	FallbackModels []string
	APIKey         string
	BaseURL        string
}

// New creates the chat model, trying fallback models when the primary
// fails to initialize.
func New(cfg Config, log *logrus.Logger) (llms.Model, error) {
	model, err := newOpenAI(cfg, cfg.Model)
	if err != nil && len(cfg.FallbackModels) > 0 {
		log.WithError(err).WithField("model", cfg.Model).Warn("Primary model failed, trying fallbacks")
		for _, fallback := range cfg.FallbackModels {
			model, err = newOpenAI(cfg, fallback)
			if err == nil {
				log.WithField("model", fallback).Info("Initialized fallback model")
				return NewValidatingModel(model, fallback, log), nil
			}
			log.WithError(err).WithField("model", fallback).Warn("Fallback model failed")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model %s: %w", cfg.Model, err)
	}
	log.WithField("model", cfg.Model).Info("Initialized chat model")
	return NewValidatingModel(model, cfg.Model, log), nil
}

func newOpenAI(cfg Config, modelID string) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(modelID)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

// ValidatingModel wraps a model and rejects structurally empty responses.
// A choice with no content is still valid when it carries tool calls.
type ValidatingModel struct {
	llms.Model
	modelID string
	log     *logrus.Logger
}

// NewValidatingModel wraps the given model.
func NewValidatingModel(inner llms.Model, modelID string, log *logrus.Logger) *ValidatingModel {
	return &ValidatingModel{Model: inner, modelID: modelID, log: log}
}

// ModelID returns the configured model identifier.
func (v *ValidatingModel) ModelID() string { return v.modelID }

// GenerateContent calls the underlying model inside a span and validates
// the response shape.
func (v *ValidatingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "openai.chat.completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", v.modelID),
		attribute.Int("llm.message_count", len(messages)),
	)

	start := time.Now()
	resp, err := v.Model.GenerateContent(ctx, messages, options...)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		v.log.WithError(err).WithField("model", v.modelID).Error("Model call failed")
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		err := fmt.Errorf("model %s returned no choices", v.modelID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	choice := resp.Choices[0]
	if choice.Content == "" && len(choice.ToolCalls) == 0 {
		err := fmt.Errorf("model %s returned neither content nor tool calls", v.modelID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.tool_calls", len(choice.ToolCalls)))
	v.log.WithFields(logrus.Fields{
		"model":      v.modelID,
		"duration":   duration.String(),
		"tool_calls": len(choice.ToolCalls),
	}).Debug("Model call completed")
	return resp, nil
}
