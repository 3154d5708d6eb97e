package pilot

import (
	"encoding/base64"
	"strings"
)

// imageMIMETypes are the media types the vision payload accepts.
var imageMIMETypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
}

// visionContent scans the resolved params for image-typed items and,
// when found, builds a multimodal payload: one text block carrying the
// prompt plus low-detail image blocks. Returns nil when the payload is
// text-only.
func visionContent(params map[string]interface{}, prompt string) []ContentBlock {
	var images []ContentBlock
	for _, v := range params {
		collectImages(v, &images, 0)
	}
	if len(images) == 0 {
		return nil
	}
	blocks := make([]ContentBlock, 0, len(images)+1)
	blocks = append(blocks, ContentBlock{Type: "text", Text: prompt})
	blocks = append(blocks, images...)
	return blocks
}

func collectImages(v interface{}, images *[]ContentBlock, depth int) {
	if depth > 4 {
		return
	}
	switch val := v.(type) {
	case map[string]interface{}:
		if block, ok := imageBlock(val); ok {
			*images = append(*images, block)
			return
		}
		for _, nested := range val {
			collectImages(nested, images, depth+1)
		}
	case []interface{}:
		for _, item := range val {
			collectImages(item, images, depth+1)
		}
	}
}

// imageBlock recognizes an image item by explicit flag, image MIME
// type, or plausible base64 payload. Detail is pinned to low so vision
// token cost stays bounded.
func imageBlock(item map[string]interface{}) (ContentBlock, bool) {
	mediaType := firstString(item, "mimeType", "mime_type", "media_type", "contentType", "content_type")
	data := firstString(item, "data", "content", "base64", "body")

	flagged, _ := item["isImage"].(bool)
	if !flagged {
		if mediaType != "" {
			flagged = imageMIMETypes[strings.ToLower(mediaType)]
		} else if data != "" {
			flagged = looksLikeImageBase64(data)
		}
	}
	if !flagged || data == "" {
		return ContentBlock{}, false
	}
	if mediaType == "" || !imageMIMETypes[strings.ToLower(mediaType)] {
		mediaType = sniffImageMIME(data)
	}
	return ContentBlock{
		Type:      "image",
		MediaType: mediaType,
		Data:      data,
		Detail:    "low",
	}, true
}

func firstString(item map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := item[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Base64 signatures of common image formats.
var imageBase64Prefixes = []string{
	"iVBOR", // PNG
	"/9j/",  // JPEG
	"R0lGO", // GIF
	"UklGR", // WEBP (RIFF)
}

func looksLikeImageBase64(data string) bool {
	if len(data) < 64 {
		return false
	}
	for _, prefix := range imageBase64Prefixes {
		if strings.HasPrefix(data, prefix) {
			return true
		}
	}
	return false
}

func sniffImageMIME(data string) string {
	switch {
	case strings.HasPrefix(data, "iVBOR"):
		return "image/png"
	case strings.HasPrefix(data, "/9j/"):
		return "image/jpeg"
	case strings.HasPrefix(data, "R0lGO"):
		return "image/gif"
	case strings.HasPrefix(data, "UklGR"):
		return "image/webp"
	default:
		return "image/png"
	}
}

// EncodeImage packages raw bytes as a base64 image payload for
// definitions that feed binary plugin output into vision steps.
func EncodeImage(raw []byte, mediaType string) map[string]interface{} {
	return map[string]interface{}{
		"isImage":  true,
		"mimeType": mediaType,
		"data":     base64.StdEncoding.EncodeToString(raw),
	}
}
