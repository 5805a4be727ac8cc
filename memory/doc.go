// Package memory is the workspace-memory engine: it segments the
// conversation stream into episodes, extracts durable categorized facts
// from them, reconciles new facts against what is already stored,
// scores facts by recency for retrieval, and retires stale debugging
// facts over time.
//
// Architecture:
//   - EpisodeDetector: splits buffered messages into topic/time-coherent
//     episodes
//   - FactExtractor: turns an episode into categorized fact candidates
//     (LLM primary, keyword heuristics as fallback)
//   - ConflictResolver: decides whether a candidate is new, a duplicate,
//     a superseding revision, or the resolution of a stored bug
//   - TemporalScorer: blends similarity with time decay for ranking
//   - RetentionSweeper: deletes expired debugging facts on a timer
//   - Orchestrator: composes the above over vector store collections
//     managed by the vectorstore lifecycle coordinator
//
// The engine depends only on narrow contracts for its collaborators:
// llm.Provider for generation, Embedder for vectors, vectorstore.Store
// for persistence, HintsProvider for workspace vocabulary. Hosts
// construct the Orchestrator at their composition root and drive it
// from their turn loop.
package memory
