package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/vsf-health/vsf-agent/internal/telemetry"
	"github.com/vsf-health/vsf-agent/pkg/doctors"
)

// Tool names as exposed to the model.
const (
	ToolRetrieveLongTerm = "retrieve_long_term_memory"
	ToolSaveMemory       = "save_memory"
	ToolSearchLongTerm   = "retrieve_qdrant_longterm"
	ToolFindDoctor       = "retrieve_doctor"
)

// Invocation counter statuses.
const (
	statusStarted      = "started"
	statusSuccess      = "success"
	statusError        = "error"
	statusEmpty        = "empty"
	statusNoFile       = "no_file"
	statusNoLLM        = "success_no_llm"
	statusWithLLM      = "success_with_llm"
	statusLLMError     = "llm_error"
	statusNoConnection = "no_connection"
	statusEmbedError   = "embedding_error"
	statusSearchError  = "search_error"
	statusNoResults    = "no_results"
)

const (
	attrLimitQuery  = 500
	attrLimitInfo   = 100
	attrLimitOutput = 500
)

const memorySynthesisPrompt = `You are an intelligent assistant. Analyze the long-term memory below and pull out the information that is relevant to the current context.

CURRENT CONTEXT:
%s

LONG-TERM MEMORY:
%s

Instructions:
1. Find the entries in long-term memory that relate to the current context
2. Summarize them into one short easy to read paragraph
3. Include only information that is genuinely useful and relevant

SUMMARY:`

type retrieveLongTermArgs struct {
	Query string `json:"query" jsonschema:"required,description=The user's current question; passed unchanged so related long-term information can be found"`
}

type saveMemoryArgs struct {
	Information string `json:"information" jsonschema:"required,description=A short normalized summary of the important long-term fact about the user"`
}

type searchLongTermArgs struct {
	Query string `json:"query" jsonschema:"required,description=The question or context to search for in the long-term memory database"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many results to return,default=3"`
}

type findDoctorArgs struct {
	Query string `json:"query" jsonschema:"required,description=The condition symptoms or specialty to find a doctor for"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many doctors to return,default=3"`
}

// toolSchema reflects a Go struct into an inline JSON schema suitable for a
// function definition.
func toolSchema(v any) *jsonschema.Schema {
	r := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	return s
}

// toolDefinitions returns the function declarations handed to the model.
func toolDefinitions() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name: ToolRetrieveLongTerm,
				Description: "ALWAYS call this tool first before answering any user question. " +
					"It loads the stored personal long-term information about the user so replies can be personalized. " +
					"Pass the user's question unchanged as the query.",
				Parameters: toolSchema(&retrieveLongTermArgs{}),
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name: ToolSaveMemory,
				Description: "Store an important long-term fact about the user. " +
					"Only call this for information that is genuinely important and stable over time, " +
					"for example: 'User's name is Minh, 45 years old' or 'User has type 2 diabetes'. " +
					"The fact is written to the long-term memory file and indexed for semantic search.",
				Parameters: toolSchema(&saveMemoryArgs{}),
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name: ToolSearchLongTerm,
				Description: "Semantic search in the long-term memory database. " +
					"Use it when the long-term information already in context is NOT enough to answer, " +
					"for example when the user asks about something they mentioned long ago. " +
					"Returns the most relevant stored entries.",
				Parameters: toolSchema(&searchLongTermArgs{}),
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name: ToolFindDoctor,
				Description: "Find doctors matching a condition, symptoms or specialty. " +
					"Returns the most suitable doctors with name, specialties, workplace and bio.",
				Parameters: toolSchema(&findDoctorArgs{}),
			},
		},
	}
}

// executeTool dispatches one model-requested tool call and records it in the
// history. Tool failures are reported back to the model as output text, not
// as errors, so the conversation can continue.
func (a *Agent) executeTool(ctx context.Context, name, rawArgs string) ToolUse {
	var output string
	switch name {
	case ToolRetrieveLongTerm:
		var args retrieveLongTermArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			output = fmt.Sprintf("Invalid arguments for %s: %v", name, err)
		} else {
			output = a.runRetrieveLongTerm(ctx, args.Query)
		}
	case ToolSaveMemory:
		var args saveMemoryArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			output = fmt.Sprintf("Invalid arguments for %s: %v", name, err)
		} else {
			output = a.runSaveMemory(ctx, args.Information)
		}
	case ToolSearchLongTerm:
		var args searchLongTermArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			output = fmt.Sprintf("Invalid arguments for %s: %v", name, err)
		} else {
			output = a.runSearchLongTerm(ctx, args.Query, args.TopK)
		}
	case ToolFindDoctor:
		var args findDoctorArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			output = fmt.Sprintf("Invalid arguments for %s: %v", name, err)
		} else {
			output = a.runFindDoctor(ctx, args.Query, args.TopK)
		}
	default:
		output = fmt.Sprintf("Unknown tool: %s", name)
	}

	use := ToolUse{ToolName: name, ToolInput: rawArgs, ToolOutput: output}
	a.history.Record(use)
	return use
}

// runRetrieveLongTerm reads the full long-term memory and, when a model is
// available, condenses it down to what is relevant to the query.
func (a *Agent) runRetrieveLongTerm(ctx context.Context, query string) string {
	ctx, span := telemetry.Tracer().Start(ctx, ToolRetrieveLongTerm)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", ToolRetrieveLongTerm),
		attribute.String("tool.input.query", telemetry.Truncate(query, attrLimitQuery)),
		attribute.String("tool.file", a.longterm.Journal().Path()),
	)
	a.countTool(ctx, ToolRetrieveLongTerm, statusStarted)
	a.log.WithField("query", telemetry.Truncate(query, 50)).Info("Retrieving long-term memory")

	content, exists, err := a.longterm.Content()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.countTool(ctx, ToolRetrieveLongTerm, statusError)
		return fmt.Sprintf("Failed to read long-term memory: %v", err)
	}
	if !exists {
		span.SetAttributes(attribute.Bool("memory.exists", false))
		a.countTool(ctx, ToolRetrieveLongTerm, statusNoFile)
		return "No long-term memory has been stored yet."
	}
	span.SetAttributes(attribute.Bool("memory.exists", true))

	content = strings.TrimSpace(content)
	span.SetAttributes(attribute.Int("memory.content_length", len(content)))
	if content == "" {
		a.countTool(ctx, ToolRetrieveLongTerm, statusEmpty)
		return "Long-term memory is empty, nothing has been saved yet."
	}

	if a.model == nil {
		span.SetAttributes(attribute.Bool("llm.used", false))
		output := "Information from long-term memory:\n" + content
		span.SetAttributes(attribute.String("tool.output", telemetry.Truncate(output, attrLimitOutput)))
		a.countTool(ctx, ToolRetrieveLongTerm, statusNoLLM)
		return output
	}

	prompt := fmt.Sprintf(memorySynthesisPrompt, query, content)
	span.SetAttributes(
		attribute.Bool("llm.used", true),
		attribute.Int("llm.prompt_length", len(prompt)),
	)
	summary, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt, llms.WithTemperature(a.temperature))
	if err != nil {
		a.log.WithError(err).Warn("Memory synthesis failed, returning raw content")
		a.countTool(ctx, ToolRetrieveLongTerm, statusLLMError)
		return "Information from long-term memory:\n" + content
	}
	span.SetAttributes(attribute.String("tool.output", telemetry.Truncate(summary, attrLimitOutput)))
	a.countTool(ctx, ToolRetrieveLongTerm, statusWithLLM)
	return summary
}

// runSaveMemory stores one fact in the temp journal and the vector store.
func (a *Agent) runSaveMemory(ctx context.Context, information string) string {
	ctx, span := telemetry.Tracer().Start(ctx, ToolSaveMemory)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", ToolSaveMemory),
		attribute.String("tool.input.information", telemetry.Truncate(information, attrLimitInfo)),
		attribute.String("tool.file", a.longterm.Temp().Path()),
	)
	a.countTool(ctx, ToolSaveMemory, statusStarted)

	information = strings.TrimSpace(information)
	if information == "" {
		span.SetAttributes(attribute.Bool("save.success", false))
		a.countTool(ctx, ToolSaveMemory, statusEmpty)
		return "There is no information to save."
	}
	a.log.WithField("information", telemetry.Truncate(information, 50)).Info("Saving to long-term memory")

	if err := a.longterm.Save(ctx, information); err != nil {
		span.SetAttributes(attribute.Bool("save.success", false))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.countTool(ctx, ToolSaveMemory, statusError)
		return fmt.Sprintf("Failed to save: %v", err)
	}

	output := "Saved: " + information
	span.SetAttributes(
		attribute.Bool("save.success", true),
		attribute.String("tool.output", telemetry.Truncate(output, attrLimitOutput)),
	)
	a.countTool(ctx, ToolSaveMemory, statusSuccess)
	return output
}

// runSearchLongTerm does a semantic lookup in the memory collection.
func (a *Agent) runSearchLongTerm(ctx context.Context, query string, topK int) string {
	if topK <= 0 {
		topK = doctors.DefaultTopK
	}
	ctx, span := telemetry.Tracer().Start(ctx, ToolSearchLongTerm)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", ToolSearchLongTerm),
		attribute.String("tool.input.query", telemetry.Truncate(query, attrLimitQuery)),
		attribute.Int("tool.input.top_k", topK),
		attribute.String("db.collection", a.longterm.Collection()),
	)
	a.countTool(ctx, ToolSearchLongTerm, statusStarted)

	embedder := a.longterm.Embedder()
	if a.longterm.Store() == nil || embedder == nil {
		span.SetAttributes(attribute.Bool("db.connected", false))
		span.SetStatus(codes.Error, "store not connected")
		a.countTool(ctx, ToolSearchLongTerm, statusNoConnection)
		return "Error: cannot connect to the long-term memory database."
	}
	span.SetAttributes(attribute.Bool("db.connected", true))

	vector, err := embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.countTool(ctx, ToolSearchLongTerm, statusEmbedError)
		return fmt.Sprintf("Failed to create embedding: %v", err)
	}

	hits, err := a.longterm.SearchVector(ctx, vector, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.countTool(ctx, ToolSearchLongTerm, statusSearchError)
		return fmt.Sprintf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		span.SetAttributes(attribute.Bool("results.found", false))
		a.countTool(ctx, ToolSearchLongTerm, statusNoResults)
		return "No related information found in long-term memory."
	}
	span.SetAttributes(
		attribute.Bool("results.found", true),
		attribute.Int("results.count", len(hits)),
	)

	lines := make([]string, 0, len(hits))
	for i, hit := range hits {
		text := hit.Payload["text_without_timestamp"]
		if text == "" {
			text = "N/A"
		}
		timestamp := hit.Payload["timestamp"]
		if timestamp == "" {
			timestamp = "unknown"
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s (relevance: %.3f)", i+1, timestamp, text, hit.Score))
	}
	output := "Information from the long-term memory database:\n" + strings.Join(lines, "\n")
	span.SetAttributes(attribute.String("tool.output", telemetry.Truncate(output, attrLimitOutput)))
	a.countTool(ctx, ToolSearchLongTerm, statusSuccess)
	return output
}

// runFindDoctor searches the doctor directory.
func (a *Agent) runFindDoctor(ctx context.Context, query string, topK int) string {
	if topK <= 0 {
		topK = doctors.DefaultTopK
	}
	ctx, span := telemetry.Tracer().Start(ctx, ToolFindDoctor)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", ToolFindDoctor),
		attribute.String("tool.input.query", telemetry.Truncate(query, attrLimitQuery)),
		attribute.Int("tool.input.top_k", topK),
		attribute.String("db.collection", a.doctors.Collection()),
	)
	a.countTool(ctx, ToolFindDoctor, statusStarted)
	a.log.WithField("query", telemetry.Truncate(query, 50)).Info("Searching for doctors")

	if !a.doctors.Available() {
		span.SetAttributes(attribute.Bool("db.connected", false))
		span.SetStatus(codes.Error, "store not connected")
		a.countTool(ctx, ToolFindDoctor, statusNoConnection)
		return "Error: cannot connect to the doctor database."
	}
	span.SetAttributes(attribute.Bool("db.connected", true))

	vector, err := a.doctors.Embedder().Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.countTool(ctx, ToolFindDoctor, statusEmbedError)
		return fmt.Sprintf("Failed to create embedding: %v", err)
	}

	hits, err := a.doctors.SearchVector(ctx, vector, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.countTool(ctx, ToolFindDoctor, statusSearchError)
		return fmt.Sprintf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		span.SetAttributes(attribute.Bool("results.found", false))
		a.countTool(ctx, ToolFindDoctor, statusNoResults)
		return "No suitable doctor was found."
	}
	span.SetAttributes(
		attribute.Bool("results.found", true),
		attribute.Int("results.count", len(hits)),
	)

	output := doctors.FormatHits(hits)
	span.SetAttributes(attribute.String("tool.output", telemetry.Truncate(output, attrLimitOutput)))
	a.countTool(ctx, ToolFindDoctor, statusSuccess)
	return output
}

// countTool records one tool invocation status on the metrics counter.
func (a *Agent) countTool(ctx context.Context, tool, status string) {
	if a.toolCounter == nil {
		return
	}
	a.toolCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", tool),
		attribute.String("status", status),
	))
}
