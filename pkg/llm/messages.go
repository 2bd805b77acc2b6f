package llm

import (
	"errors"
	"strings"
)

//----------------------------------------------------------------
// Message - provider-neutral prompt entry
//----------------------------------------------------------------

// Message is one entry of a composed prompt.
type Message struct {
	Role    string         `json:"role"`    // "system", "user", "assistant"
	Content []ContentBlock `json:"content"` // ordered content blocks

	// Name optionally labels the author (speaker or tool name).
	Name string `json:"name,omitempty"`
}

//----------------------------------------------------------------
// ContentBlock
//----------------------------------------------------------------

// ContentBlock is one unit of message or stream content.
type ContentBlock struct {
	Type string `json:"type"` // BlockTypeText, BlockTypeThinking, BlockTypeError
	Text string `json:"text,omitempty"`
}

//----------------------------------------------------------------
// StreamChunk
//----------------------------------------------------------------

// StreamChunk is one incremental piece of a model response.
type StreamChunk struct {
	// ContentBlocks holds only the new content of this chunk.
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// IsFinal marks the last chunk of a successful stream.
	IsFinal bool `json:"is_final"`

	// FinishReason is set on the final chunk.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage may arrive on any chunk but is always present on the final one
	// when the provider reports it.
	Usage *LLMUsage `json:"usage,omitempty"`

	// Err is set on an error chunk. Fatal errors end the stream.
	Err   error `json:"-"`
	Fatal bool  `json:"-"`
}

// Text concatenates the text blocks of the chunk (thinking excluded).
func (c StreamChunk) Text() string {
	var sb strings.Builder
	for _, b := range c.ContentBlocks {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

//----------------------------------------------------------------
// Helper Functions - Message
//----------------------------------------------------------------

// NewTextMessage builds a single-block text message.
func NewTextMessage(role, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentBlock{NewTextBlock(text)},
	}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage(RoleSystem, text)
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage(RoleAssistant, text)
}

// GetTextContent extracts all text content (thinking excluded).
func (m *Message) GetTextContent() string {
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

//----------------------------------------------------------------
// Helper Functions - ContentBlock / StreamChunk
//----------------------------------------------------------------

// NewTextBlock builds a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// NewTextChunk builds a text chunk.
func NewTextChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewTextBlock(text)}}
}

// NewThinkingChunk builds a reasoning chunk.
func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{Type: BlockTypeThinking, Text: text}},
	}
}

// NewFinalChunk builds the closing chunk carrying usage statistics.
func NewFinalChunk(reason string, usage *LLMUsage) StreamChunk {
	return StreamChunk{
		IsFinal:      true,
		FinishReason: reason,
		Usage:        usage,
	}
}

// NewErrorChunk builds an error chunk. A nil err is replaced by msg.
func NewErrorChunk(msg string, err error, fatal bool) StreamChunk {
	if err == nil {
		err = errors.New(msg)
	}
	return StreamChunk{
		ContentBlocks: []ContentBlock{{Type: BlockTypeError, Text: msg}},
		Err:           err,
		Fatal:         fatal,
	}
}
