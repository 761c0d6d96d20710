// Package llm provides the language model capabilities used as classification
// evidence: receipt extraction from email bodies and merchant identification.
// Calls go through the Anthropic messages API with retry logic, rate limiting
// and response caching.
package llm
