package runtime

import "encoding/json"

// ContentBlockType discriminates the ContentBlock tagged variant.
type ContentBlockType string

const (
	ContentText           ContentBlockType = "text"
	ContentImage          ContentBlockType = "image"
	ContentToolUse        ContentBlockType = "tool_use"
	ContentToolResult     ContentBlockType = "tool_result"
	ContentFileAttachment ContentBlockType = "file_attachment"
)

// ImageSourceKind discriminates how image bytes are supplied.
type ImageSourceKind string

const (
	ImageSourceBase64 ImageSourceKind = "base64"
	ImageSourceURL    ImageSourceKind = "url"
)

// ImageSource carries inline or referenced image bytes for a ContentImage
// block.
type ImageSource struct {
	Kind      ImageSourceKind `json:"kind"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"` // base64 payload or URL, per Kind
}

// ContentBlock is the tagged-variant content unit that makes up a
// Message. Exactly the fields relevant to Type are meaningful; the rest
// are zero. A struct-with-discriminator (rather than one Go interface
// per variant) is used so the type round-trips through encoding/json
// without a custom UnmarshalJSON.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// ContentText
	Text string `json:"text,omitempty"`

	// ContentImage
	Source *ImageSource `json:"source,omitempty"`

	// ContentToolUse
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// ContentToolResult: references the tool_use_id it answers and
	// carries its own nested text|image content blocks.
	ToolResultContent []ContentBlock `json:"tool_result_content,omitempty"`

	// ContentFileAttachment
	FileID   string `json:"file_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

func (b ContentBlock) fileAttachmentIDs() []string {
	if b.Type == ContentFileAttachment && b.FileID != "" {
		return []string{b.FileID}
	}
	var out []string
	for _, nested := range b.ToolResultContent {
		out = append(out, nested.fileAttachmentIDs()...)
	}
	return out
}

// NewTextBlock builds a ContentText block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// NewImageBlock builds a ContentImage block.
func NewImageBlock(source ImageSource) ContentBlock {
	return ContentBlock{Type: ContentImage, Source: &source}
}

// NewToolUseBlock builds a ContentToolUse block.
func NewToolUseBlock(toolUseID, toolName string, input json.RawMessage) ContentBlock {
	return ContentBlock{
		Type:      ContentToolUse,
		ToolUseID: toolUseID,
		ToolName:  toolName,
		ToolInput: input,
	}
}

// NewToolResultBlock builds a ContentToolResult block answering toolUseID.
func NewToolResultBlock(toolUseID string, content ...ContentBlock) ContentBlock {
	return ContentBlock{
		Type:              ContentToolResult,
		ToolUseID:         toolUseID,
		ToolResultContent: content,
	}
}

// NewFileAttachmentBlock builds a ContentFileAttachment block.
func NewFileAttachmentBlock(fileID, mimeType string) ContentBlock {
	return ContentBlock{Type: ContentFileAttachment, FileID: fileID, MimeType: mimeType}
}
