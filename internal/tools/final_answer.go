package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
)

// FinalAnswerTool is the reserved termination tool. The agent loop
// intercepts calls to it: the handler's output becomes the job's final
// answer and no further iterations run.
const FinalAnswerTool = "submit_final_answer"

// FinalAnswerDescriptor builds the reserved submit_final_answer tool.
func FinalAnswerDescriptor() Descriptor {
	return Descriptor{
		Name: FinalAnswerTool,
		Description: "Submit the final answer once the task is complete. " +
			"Provide a summary of what was done and list every output file produced.",
		Schema: ObjectSchema(map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Summary of the completed work",
			},
			"output_files": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Paths of the produced output files",
			},
		}, "summary"),
		Handler: finalAnswer,
	}
}

func finalAnswer(_ context.Context, args map[string]any) string {
	summary := StringArg(args, "summary")
	if summary == "" {
		summary = "Task completed"
	}
	files := StringSliceArg(args, "output_files")

	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s\n\n", summary)

	if len(files) > 0 {
		b.WriteString("📥 **Your edited videos are ready!**\n\n")
		for _, path := range files {
			id := FileID(path)
			name := filepath.Base(path)
			if name == "." || name == "/" {
				name = "video.mp4"
			}
			fmt.Fprintf(&b, "**%s**\n", name)
			fmt.Fprintf(&b, "Download: `/api/outputs/download/%s`\n", id)
			fmt.Fprintf(&b, "Stream: `/api/outputs/stream/%s`\n", id)
			fmt.Fprintf(&b, "YouTube: `%s|%s`\n\n", path, name)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// FileID derives a deterministic id from a file path. The outputs API
// uses the same derivation, so links printed in final answers resolve.
func FileID(path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("%x", h.Sum64())
}
