// Package llm provides text analyzers backed by hosted language models.
//
// An Analyzer turns a prompt into text. Backends exist for Gemini
// (google.golang.org/genai), Anthropic and OpenAI; New selects one from
// configuration and wraps it with retry and exponential backoff for
// transient failures. Blocked content and malformed responses are
// permanent and returned immediately.
package llm
