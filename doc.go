// # Live Voice Session Engine
//
// This package runs a real-time, duplex voice conversation between the local
// microphone and speaker and a remote conversational model (Gemini Live or the
// OpenAI Realtime API), while it extracts and deduplicates source citations from the
// model's streaming transcript. A Controller wires capture, transport,
// playback, transcript aggregation and citation extraction together and
// reports progress through callbacks; closing a session hands back the
// finalized conversation history.
package livevoice
