// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "strings"

// promptWithContext grounds a query in retrieved context.
func promptWithContext(query, contextText string) string {
	if contextText == "" {
		return query
	}
	var b strings.Builder
	b.WriteString("Use the following context to answer the question.\n\n")
	b.WriteString("Context:\n")
	b.WriteString(contextText)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// promptDraft asks a fast model for a first-pass answer that also
// serves as the retrieval query refinement.
func promptDraft(query string) string {
	var b strings.Builder
	b.WriteString("Give a brief first-pass answer to the question. ")
	b.WriteString("Name the key terms and facts needed to answer it well.\n\n")
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

// promptRefine asks a stronger model for the final answer given the
// draft and any retrieved context. Draft and context are both
// optional.
func promptRefine(query, draft, contextText string) string {
	var b strings.Builder
	b.WriteString("Answer the question. ")
	if draft != "" {
		b.WriteString("A draft answer is provided; improve on it. ")
	}
	if contextText != "" {
		b.WriteString("Ground the answer in the provided context. ")
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	if draft != "" {
		b.WriteString("\n\nDraft answer:\n")
		b.WriteString(draft)
	}
	if contextText != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(contextText)
	}
	return b.String()
}
