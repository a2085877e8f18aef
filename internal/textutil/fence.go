// Package textutil holds small string helpers shared by the LLM-backed
// adapters (relevance, generator) that must normalize fenced model
// output before parsing it.
package textutil

import "strings"

// StripCodeFence removes a Markdown ```json ... ``` (or bare ```)
// wrapper around s, since LLMs routinely fence their JSON even when
// asked not to.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
