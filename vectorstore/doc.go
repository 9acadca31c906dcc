// Package vectorstore provides an in-memory similarity index over document
// chunks.
//
// Texts are embedded by an Embedder and ranked by cosine similarity. The
// HashEmbedder needs no external service and gives lexical-overlap ranking,
// which is enough for tests and small local corpora; production deployments
// plug in a model-backed embedder.
package vectorstore
