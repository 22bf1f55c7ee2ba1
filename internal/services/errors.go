package services

import "strings"

// llmRecoverableSubstrings identifies worker failures caused by the
// caller's extraction schema or the LLM pipeline; these surface as a
// 500 with the message instead of an exception report.
var llmRecoverableSubstrings = []string{
	"Error generating completions: ",
	"Invalid schema for function",
	"LLM extraction did not match the extraction schema",
}

func isLLMRecoverable(msg string) bool {
	for _, sub := range llmRecoverableSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
