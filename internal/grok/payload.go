package grok

import (
	"regexp"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// Attachment is a file uploaded to the provider.
type Attachment struct {
	FileID  string `json:"fileMetadataId"`
	FileURI string `json:"fileUri"`
}

// ChatPayload is the body of a new-conversation request.
type ChatPayload struct {
	Temporary                 bool              `json:"temporary"`
	ModelName                 string            `json:"modelName"`
	Message                   string            `json:"message"`
	FileAttachments           []string          `json:"fileAttachments"`
	ImageAttachments          []string          `json:"imageAttachments"`
	DisableSearch             bool              `json:"disableSearch"`
	EnableImageGeneration     bool              `json:"enableImageGeneration"`
	ReturnImageBytes          bool              `json:"returnImageBytes"`
	ReturnRawGrokInXaiRequest bool              `json:"returnRawGrokInXaiRequest"`
	EnableImageStreaming      bool              `json:"enableImageStreaming"`
	ImageGenerationCount      int               `json:"imageGenerationCount"`
	ForceConcise              bool              `json:"forceConcise"`
	ToolOverrides             map[string]any    `json:"toolOverrides"`
	EnableSideBySide          bool              `json:"enableSideBySide"`
	SendFinalMetadata         bool              `json:"sendFinalMetadata"`
	IsReasoning               bool              `json:"isReasoning"`
	WebpageURLs               []string          `json:"webpageUrls"`
	DisableTextFollowUps      bool              `json:"disableTextFollowUps"`
	ResponseMetadata          *ResponseMetadata `json:"responseMetadata,omitempty"`
	DisableMemory             bool              `json:"disableMemory"`
	ForceSideBySide           bool              `json:"forceSideBySide"`
	ModelMode                 string            `json:"modelMode,omitempty"`
	IsAsyncChat               bool              `json:"isAsyncChat"`
}

type ResponseMetadata struct {
	RequestModelDetails *RequestModelDetails `json:"requestModelDetails,omitempty"`
	ModelConfigOverride *ModelConfigOverride `json:"modelConfigOverride,omitempty"`
}

type RequestModelDetails struct {
	ModelID string `json:"modelId"`
}

type ModelConfigOverride struct {
	ModelMap struct {
		VideoGenModelConfig VideoGenModelConfig `json:"videoGenModelConfig"`
	} `json:"modelMap"`
}

type VideoGenModelConfig struct {
	ParentPostID string `json:"parentPostId"`
	AspectRatio  string `json:"aspectRatio,omitempty"`
	VideoLength  int    `json:"videoLength,omitempty"`
}

// PayloadOptions carries deployment settings that shape every payload.
type PayloadOptions struct {
	Temporary bool
	AssetsURL string
}

var modeFlagPattern = regexp.MustCompile(`--mode=\w+`)

// FlattenMessages reduces the turn sequence to the single prompt the
// provider accepts. A separate system prompt, or the first inline system
// turn, is placed in front separated by a blank line.
func FlattenMessages(req *domain.Request) string {
	system := req.System
	var texts []string
	for _, msg := range req.Messages {
		text := msg.Text()
		if msg.Role == "system" && system == "" {
			system = text
			continue
		}
		if text != "" {
			texts = append(texts, text)
		}
	}

	content := strings.Join(texts, "\n")
	switch {
	case system == "":
		return content
	case content == "":
		return system
	}
	return system + "\n\n" + content
}

// BuildPayload encodes a request for the provider. Video models with an
// attached image get the image-to-video shape.
func BuildPayload(opts PayloadOptions, info ModelInfo, req *domain.Request, attachments []Attachment) *ChatPayload {
	message := FlattenMessages(req)

	fileIDs := make([]string, 0, len(attachments))
	for _, a := range attachments {
		fileIDs = append(fileIDs, a.FileID)
	}

	if info.Video && len(attachments) > 0 {
		// Only the first image drives video generation
		first := attachments[0]
		assets := strings.TrimSuffix(opts.AssetsURL, "/")
		message = assets + "/post/" + strings.TrimPrefix(first.FileURI, "/") + "  " + message
		if !modeFlagPattern.MatchString(message) {
			message += " --mode=custom"
		}

		override := &ModelConfigOverride{}
		override.ModelMap.VideoGenModelConfig.ParentPostID = first.FileID

		return &ChatPayload{
			Temporary:        true,
			ModelName:        info.Model,
			Message:          message,
			FileAttachments:  []string{first.FileID},
			ImageAttachments: []string{},
			ToolOverrides:    map[string]any{"videoGen": true},
			WebpageURLs:      []string{},
			ResponseMetadata: &ResponseMetadata{ModelConfigOverride: override},
		}
	}

	return &ChatPayload{
		Temporary:             opts.Temporary,
		ModelName:             info.Model,
		Message:               message,
		FileAttachments:       fileIDs,
		ImageAttachments:      []string{},
		EnableImageGeneration: true,
		EnableImageStreaming:  true,
		ImageGenerationCount:  2,
		ToolOverrides:         map[string]any{},
		EnableSideBySide:      true,
		SendFinalMetadata:     true,
		WebpageURLs:           []string{},
		DisableTextFollowUps:  true,
		ResponseMetadata:      &ResponseMetadata{RequestModelDetails: &RequestModelDetails{ModelID: info.Model}},
		ModelMode:             info.Mode,
	}
}
