// Package generation turns a natural-language requirement into source code
// and unit tests by prompting the code-generation backend, and persists the
// results as artifacts. Prompts carry a persona frame plus the payload:
// the requirement, or the requirement with failing context for repairs.
package generation

import (
	"context"
	"fmt"
	"strings"

	"sdlcagent/internal/perception"
	"sdlcagent/internal/runlog"
)

// Generator builds prompts and extracts raw code from backend responses.
type Generator struct {
	client    perception.LLMClient
	language  string
	framework string
	recorder  runlog.Recorder
}

// NewGenerator creates a generator for one language. The test framework is
// derived from the language: pytest for Python, the language's standard
// framework otherwise.
func NewGenerator(client perception.LLMClient, language string) *Generator {
	framework := "a standard testing framework"
	if strings.EqualFold(language, "python") {
		framework = "pytest"
	}
	return &Generator{
		client:    client,
		language:  language,
		framework: framework,
	}
}

// SetRecorder attaches a run recorder. Prompts sent and response sizes are
// recorded through it; a nil recorder disables observation.
func (g *Generator) SetRecorder(r runlog.Recorder) {
	g.recorder = r
}

const codeSystemPrompt = `You are an expert software engineer. You write complete, self-contained, executable code.
Only output the raw code, without any surrounding text, explanations, or markdown formatting.`

const testSystemPrompt = `You are a software quality assurance engineer. You write comprehensive unit test suites covering happy paths, edge cases, and error handling.
Only output the raw code for a single complete test file, without any surrounding text, explanations, or markdown formatting.`

const repairSystemPrompt = `You are an expert software engineer specializing in debugging. Given a requirement, failing code, its tests, and the test runner output, you produce a corrected version of the code.
Only output the raw code, without any surrounding text, explanations, or markdown formatting.`

// GenerateCode produces source code implementing the requirement.
func (g *Generator) GenerateCode(ctx context.Context, requirement string) (string, error) {
	prompt := fmt.Sprintf(`Write a complete, self-contained, and executable code snippet in %s that implements the following requirement.
The code should be well-commented, clean, and production-ready.

Requirement: %q`, g.language, requirement)

	return g.complete(ctx, "generate_code", codeSystemPrompt, prompt)
}

// GenerateTests produces a unit test file for the given code.
func (g *Generator) GenerateTests(ctx context.Context, requirement, code string) (string, error) {
	prompt := fmt.Sprintf(`Write a comprehensive suite of unit tests for the provided code snippet using the %s framework.
The tests should cover happy paths, edge cases, and error handling, and must be a single complete executable test file.

The code was written for this requirement: %q

Here is the %s code to test:
%s`, g.framework, requirement, g.language, fence(g.language, code))

	return g.complete(ctx, "generate_tests", testSystemPrompt, prompt)
}

// RepairCode produces a corrected version of code that failed its tests.
// The repair prompt always carries the most recent failing code, never an
// earlier attempt.
func (g *Generator) RepairCode(ctx context.Context, requirement, failingCode, testCode, failureOutput string) (string, error) {
	prompt := fmt.Sprintf(`The following code was written to satisfy a requirement, but it failed the provided unit tests.
Analyze the requirement, the failing code, the tests, and the error output, then provide the complete, corrected, self-contained code snippet in %s.

Requirement:
%s

Failing code:
%s

Unit tests that failed:
%s

Test runner output:
%s`, g.language, requirement, fence(g.language, failingCode), fence(g.language, testCode), fence("", failureOutput))

	return g.complete(ctx, "repair_code", repairSystemPrompt, prompt)
}

func (g *Generator) complete(ctx context.Context, operation, systemPrompt, userPrompt string) (string, error) {
	if g.recorder != nil {
		g.recorder.Record(runlog.StagePromptSent, map[string]any{
			"operation": operation,
			"prompt":    userPrompt,
		})
	}

	raw, err := g.client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}

	code := ExtractCodeBlock(raw, g.language)
	if g.recorder != nil {
		g.recorder.Record(runlog.StageResponse, map[string]any{
			"operation":     operation,
			"response_len":  len(raw),
			"extracted_len": len(code),
		})
	}
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%s: backend returned an empty completion", operation)
	}
	return code, nil
}

// ExtractCodeBlock strips markdown fences from a backend response. If no
// fence is found the whole text is returned; backends sometimes comply with
// the raw-code instruction.
func ExtractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			end := strings.Index(text[start:], "```")
			if end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}
	return strings.TrimSpace(text)
}

func fence(lang, content string) string {
	return "```" + lang + "\n" + content + "\n```"
}
