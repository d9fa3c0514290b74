package rag

import (
	"strings"

	"github.com/aegis-agents/chatbot/internal/vectordb"
)

func joinDocuments(docs []vectordb.Document) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Content
	}
	return strings.Join(parts, "\n\n")
}

func relevancePrompt(doc, question string) string {
	return "You are a grader assessing relevance of a retrieved document to a user question.\n" +
		"Here is the retrieved document:\n\n" + doc + "\n\n" +
		"Here is the user question: " + question + "\n\n" +
		"If the document contains keyword(s) or semantic meaning related to the user question, grade it as relevant.\n" +
		"Give a binary score 'yes' or 'no' score to indicate whether the document is relevant to the question."
}

func groundedPrompt(docs []vectordb.Document, answer string) string {
	return "You are a grader assessing whether an answer is grounded in / supported by a set of facts.\n" +
		"Here are the facts:\n\n ------- \n" + joinDocuments(docs) + "\n ------- \n" +
		"Here is the answer: " + answer + "\n" +
		"Give a binary score 'yes' or 'no' to indicate whether the answer is grounded in / supported by a set of facts."
}

func usefulPrompt(answer, question string) string {
	return "You are a grader assessing whether an answer is useful to resolve a question.\n" +
		"Here is the answer:\n\n ------- \n" + answer + "\n ------- \n" +
		"Here is the question: " + question + "\n" +
		"Give a binary score 'yes' or 'no' to indicate whether the answer is useful to resolve a question."
}

func transformPrompt(question string) string {
	return "You are generating a question that is well optimized for semantic search retrieval.\n" +
		"Look at the input and try to reason about the underlying semantic intent / meaning.\n" +
		"Here is the initial question:\n\n ------- \n" + question + "\n ------- \n" +
		"Formulate an improved question: "
}

func generatePrompt(question string, docs []vectordb.Document) string {
	return "You are an assistant for question-answering tasks. Use the following pieces of retrieved context to answer the question. " +
		"If you don't know the answer, just say that you don't know. Use three sentences maximum and keep the answer concise.\n" +
		"Question: " + question + "\n" +
		"Context: " + joinDocuments(docs) + "\n" +
		"Answer:"
}
