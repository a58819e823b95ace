package engine

import (
	"strings"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/backend"
	"github.com/m4xw311/acpbridge/errors"
	"go.uber.org/zap"
)

// serveFile answers the agent's fs/read_text_file and fs/write_text_file
// requests from the workspace, with its hidden and read-only rules.
func (e *Engine) serveFile(msg *acp.Message, reply backend.Reply) {
	ws := e.opts.Workspace
	if ws == nil {
		reply(nil, errors.NewRPCError(errors.CodeMethodNotFound, "method not found: %s", msg.Method))
		return
	}

	switch msg.Method {
	case acp.MethodReadTextFile:
		var params acp.ReadTextFileParams
		if err := msg.DecodeParams(&params); err != nil {
			reply(nil, errors.NewRPCError(errors.CodeInvalidParams, "invalid params: %v", err))
			return
		}
		content, err := ws.ReadFile(params.Path)
		if err != nil {
			reply(nil, err)
			return
		}
		reply(acp.ReadTextFileResult{Content: sliceLines(content, params.Line, params.Limit)}, nil)

	case acp.MethodWriteTextFile:
		var params acp.WriteTextFileParams
		if err := msg.DecodeParams(&params); err != nil {
			reply(nil, errors.NewRPCError(errors.CodeInvalidParams, "invalid params: %v", err))
			return
		}
		if err := ws.CreateFile(params.Path, params.Content, true); err != nil {
			reply(nil, err)
			return
		}
		e.log.Debug("agent wrote file", zap.String("path", params.Path))
		reply(struct{}{}, nil)
	}
}

// sliceLines returns limit lines starting at the 1-based line.
func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.SplitAfter(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "")
}
