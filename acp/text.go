package acp

import (
	"encoding/json"
	"strings"
)

// ExtractText returns the text of a content field. The field may be a bare
// string, a single {"type":"text","text":...} block, or an array of blocks;
// multiple text parts are joined with newlines. Non-text blocks are skipped.
func ExtractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var block ContentBlock
	if err := json.Unmarshal(raw, &block); err == nil {
		if isText(block) {
			return block.Text
		}
		return ""
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		var s string
		if json.Unmarshal(b, &s) == nil {
			if s != "" {
				parts = append(parts, s)
			}
			continue
		}
		var block ContentBlock
		if json.Unmarshal(b, &block) == nil && isText(block) && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func isText(b ContentBlock) bool {
	return b.Type == "text" || (b.Type == "" && b.Text != "")
}
