package llm

// Prompts for the extraction and summarization calls. The model is told to
// answer with bare JSON; the parser repairs minor deviations anyway.

const entityExtractionSystem = `You extract named entities from conversation text.
Respond with a JSON array only, no prose. Each element:
{"name": string, "type": string, "confidence": number between 0 and 1}
Use lowercase singular types such as "person", "organization", "location",
"concept", "event", "product". Extract only entities actually mentioned.`

const relationExtractionSystem = `You extract relationships between known entities from conversation text.
Respond with a JSON array only, no prose. Each element:
{"source": string, "source_type": string, "target": string, "target_type": string,
 "type": string, "rationale": string, "confidence": number between 0 and 1}
"type" is an uppercase verb-like predicate such as WORKS_FOR, LIVES_IN, OWNS.
"rationale" must quote or paraphrase the supporting text in at least 50 characters.
Only relate entities from the provided list.`

const summarizeSystem = `You summarize a user/assistant exchange into one dense paragraph
capturing every stated fact, preference, and decision. Respond with a JSON object only:
{"summary": string, "tags": [string]}
Tags are short lowercase topic labels, at most five.`

const compactionSystem = `You condense a sequence of conversation messages into one summary
that preserves every fact, decision, date, and preference stated in them.
Respond with a JSON object only: {"summary": string, "tags": [string]}`
