package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled patterns for cleaning model JSON output.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json)?\\s*\n?([\\s\\S]*?)\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRegex   = regexp.MustCompile(`(?m)^\s*//.*$`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// maxParseInput bounds parser input so a runaway response cannot exhaust
// memory.
const maxParseInput = 10 * 1024 * 1024

// ParseResult is the outcome of a model JSON parse.
type ParseResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// Parse decodes model output into T, recovering from the usual formatting
// quirks. Strategies in order: direct parse, code fence removal, cleanup of
// trailing commas and comments, extraction of the first JSON object from
// mixed prose.
func Parse[T any](text string) ParseResult[T] {
	if len(text) > maxParseInput {
		return parseError[T](fmt.Sprintf("input exceeds size limit (%d bytes)", len(text)))
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input")
	}

	var firstErr error
	for i, candidate := range candidates(trimmed) {
		var data T
		if err := json.Unmarshal([]byte(candidate), &data); err == nil {
			if i > 0 {
				slog.Debug("model JSON required cleanup before parsing", "strategy", i)
			}
			return ParseResult[T]{Success: true, Data: data}
		} else if firstErr == nil {
			firstErr = err
		}
	}
	slog.Warn("model JSON parse failed", "error", firstErr, "bytes", len(text))
	return parseError[T](fmt.Sprintf("all parse strategies failed: %v", firstErr))
}

// candidates yields progressively more aggressive rewrites of the input.
func candidates(s string) []string {
	out := []string{s}

	if m := codeFenceRegex.FindStringSubmatch(s); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}

	cleaned := lineCommentRegex.ReplaceAllString(s, "")
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	if cleaned != s {
		out = append(out, cleaned)
	}

	if m := objectRegex.FindString(cleaned); m != "" && m != cleaned {
		out = append(out, trailingCommaRegex.ReplaceAllString(m, "$1"))
	}
	return out
}

func parseError[T any](msg string) ParseResult[T] {
	return ParseResult[T]{Success: false, Error: msg}
}
