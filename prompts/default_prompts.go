package prompts

// Template variables shared by the default prompts.
const (
	VarContext = "context_str"
	VarQuery   = "query_str"
	VarAnswer  = "answer_str"
)

// DirectiveKey is the label of the final line the answer prompt asks for.
const DirectiveKey = "INCLUDE_SOURCES"

// NoContextText stands in for the context block when nothing was retrieved.
const NoContextText = "(no context available)"

const (
	DefaultAnswerPromptTmpl = `You are an expert assistant. Use ONLY the following context to answer the question. If the answer is not in the context, say you don't have enough information.

Context:
{context_str}

Question: {query_str}
Answer in 3-5 concise sentences.

Then, on a final line of its own, write exactly "INCLUDE_SOURCES: YES" if the user asks to see examples, IDs, specific rows or records, cited evidence, or otherwise wants to inspect the data. Otherwise write exactly "INCLUDE_SOURCES: NO".`

	DefaultAnswerPlainPromptTmpl = `You are an expert assistant. Use ONLY the following context to answer the question. If the answer is not in the context, say you don't have enough information.

Context:
{context_str}

Question: {query_str}
Answer in 3-5 concise sentences.`

	DefaultSourceClassifierPromptTmpl = `Decide if the user needs source details (like Clothing ID, Age, Title, Review Text).
Reply strictly with YES or NO.

Question: {query_str}
Answer: {answer_str}

Guidelines:
- YES if the user asks to show examples, IDs, specific rows/records, cite evidence, or wants to inspect data.
- NO if a high-level summary is sufficient and no explicit request for examples or IDs.
`
)

var (
	DefaultAnswerPrompt           = NewPromptTemplate(DefaultAnswerPromptTmpl, PromptTypeAnswer)
	DefaultAnswerPlainPrompt      = NewPromptTemplate(DefaultAnswerPlainPromptTmpl, PromptTypeAnswerPlain)
	DefaultSourceClassifierPrompt = NewPromptTemplate(DefaultSourceClassifierPromptTmpl, PromptTypeSourceClassifier)
)

// GetDefaultPrompt returns a default prompt by type.
func GetDefaultPrompt(promptType PromptType) BasePromptTemplate {
	switch promptType {
	case PromptTypeAnswer:
		return DefaultAnswerPrompt
	case PromptTypeAnswerPlain:
		return DefaultAnswerPlainPrompt
	case PromptTypeSourceClassifier:
		return DefaultSourceClassifierPrompt
	default:
		return nil
	}
}
