// Package llm defines the generation capability consumed by agents: ordered
// chat messages in, text or a schema-constrained object out. Provider
// specific clients live in sub-packages; tools are plain functions whose
// results are fed back to the model as text.
package llm
