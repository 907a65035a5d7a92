package extractor

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/jmylchreest/notemine/pkg/llm"
	"github.com/jmylchreest/notemine/pkg/schema"
)

// Config holds the settings of an Extractor.
type Config struct {
	// Policy bounds attempts and spaces them out.
	Policy Policy

	// Temperature for LLM responses (default: 0).
	Temperature float64

	// MaxTokens for LLM responses (default: 4096).
	MaxTokens int

	// MaxContentSize limits note text sent to the model in bytes (0 = unlimited).
	// Grounding is always verified against the full note.
	MaxContentSize int

	// JSONSchema sends the compiled schema as a structured output format.
	// Disable for endpoints that reject response_format.
	JSONSchema bool

	// StrictMode enables strict JSON schema validation in the API request.
	StrictMode bool

	// IncludeRaw keeps the last raw model output on each result.
	IncludeRaw bool

	// Observer is notified after every gateway call.
	Observer llm.Observer

	// OnState is called on every retry state transition.
	OnState StateFunc
}

// DefaultConfig returns sensible defaults for clinical extraction.
func DefaultConfig() Config {
	return Config{
		Policy:         DefaultPolicy(),
		MaxTokens:      4096,
		MaxContentSize: 100000, // ~100KB
		JSONSchema:     true,
	}
}

// Option configures an Extractor.
type Option func(*Config)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(c *Config) { c.Policy = p }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithMaxTokens sets the maximum output tokens.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithMaxContentSize caps the note text sent to the model.
func WithMaxContentSize(n int) Option {
	return func(c *Config) { c.MaxContentSize = n }
}

// WithJSONSchema toggles structured output.
func WithJSONSchema(enabled bool) Option {
	return func(c *Config) { c.JSONSchema = enabled }
}

// WithStrictMode enables strict JSON schema validation.
func WithStrictMode(strict bool) Option {
	return func(c *Config) { c.StrictMode = strict }
}

// WithRawResponse keeps raw model output on results.
func WithRawResponse(keep bool) Option {
	return func(c *Config) { c.IncludeRaw = keep }
}

// WithObserver sets the LLM call observer.
func WithObserver(obs llm.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// WithStateHook sets the state transition callback.
func WithStateHook(fn StateFunc) Option {
	return func(c *Config) { c.OnState = fn }
}

// SystemPrompt is sent with every extraction request.
const SystemPrompt = `You are an expert clinical data extractor. You read clinical notes and extract the requested fields accurately.

Respond with ONLY a valid JSON object. No explanations outside the JSON.

Rules:
1. Extract only what the note states or directly implies; never invent findings.
2. Use null for fields the note does not mention.
3. Grounding excerpts must be copied character for character from the note.
4. Numbers: extract the numeric value only, without units.`

// BuildPrompt creates the user prompt for one note. A previous parse or
// validation failure is included so the model can correct itself.
func BuildPrompt(text string, s schema.Schema, previousErr error, maxContentSize int) string {
	var prompt strings.Builder

	prompt.WriteString(s.PromptBlock())

	if previousErr != nil {
		prompt.WriteString("\n## Previous Attempt Errors\n")
		prompt.WriteString("The previous response had these problems that need to be fixed:\n")
		prompt.WriteString(retryFeedback(previousErr))
		prompt.WriteString("\n\nPlease correct these errors in your response.\n")
	}

	prompt.WriteString("\n## Clinical Note\n")
	prompt.WriteString("```\n")
	prompt.WriteString(TruncateContent(text, maxContentSize))
	prompt.WriteString("\n```\n")

	return prompt.String()
}

// retryFeedback renders a failed attempt's error for the model.
func retryFeedback(err error) string {
	var defects schema.ValidationErrors
	if !errors.As(err, &defects) {
		var e *Error
		if errors.As(err, &e) {
			return e.Err.Error()
		}
		return err.Error()
	}
	var sb strings.Builder
	for _, d := range defects {
		sb.WriteString("- Field \"")
		sb.WriteString(d.Element)
		sb.WriteString("\": ")
		sb.WriteString(d.Message)
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// TruncateContent limits content size to avoid token limits, cutting on a
// rune boundary. maxLen of 0 means no limit.
func TruncateContent(content string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	for maxLen > 0 && !utf8.RuneStart(content[maxLen]) {
		maxLen--
	}
	return content[:maxLen] + "\n\n[Note truncated due to length...]"
}

// StripMarkdownCodeBlock removes markdown code block wrappers from JSON responses.
// Some models wrap their JSON output in ```json ... ``` blocks.
func StripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	} else {
		return s
	}

	s = strings.TrimSuffix(s, "```")

	return strings.TrimSpace(s)
}
