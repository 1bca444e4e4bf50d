// Package llm defines the intent endpoint contract: a natural-language intent
// plus the current price goes in, a proposed workflow graph comes out. Provider
// adapters live in sub-packages.
package llm
