package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runFFmpeg executes an ffmpeg invocation and folds the outcome into
// the uniform string contract. ffmpeg writes diagnostics to stderr even
// on success, so only the exit code decides.
func runFFmpeg(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %v: %s", err, lastLines(string(out), 5))
	}
	return string(out), nil
}

func runFFprobe(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ffprobe failed: %v", err)
	}
	return string(out), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// RegisterMediaTools installs the builtin video-editing catalog plus
// submit_final_answer. outputDir is prepended to relative output paths
// so everything the model produces lands in the served outputs tree.
func RegisterMediaTools(r *Registry, outputDir string) error {
	descs := []Descriptor{
		analyzeVideoDescriptor(),
		trimVideoDescriptor(outputDir),
		mergeVideosDescriptor(outputDir),
		addTextOverlayDescriptor(outputDir),
		extractAudioDescriptor(outputDir),
		FinalAnswerDescriptor(),
	}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// resolveOutput anchors relative output paths under the outputs dir.
func resolveOutput(outputDir, path string) string {
	if path == "" || filepath.IsAbs(path) || outputDir == "" {
		return path
	}
	return filepath.Join(outputDir, path)
}

func analyzeVideoDescriptor() Descriptor {
	return Descriptor{
		Name:        "analyze_video",
		Description: "Inspect a video file and report duration, resolution, codecs, and size.",
		Schema: ObjectSchema(map[string]any{
			"input_file": map[string]any{"type": "string", "description": "Path of the video to analyze"},
		}, "input_file"),
		Handler: func(ctx context.Context, args map[string]any) string {
			input := StringArg(args, "input_file")
			if _, err := os.Stat(input); err != nil {
				return fmt.Sprintf("❌ File not found: %s", input)
			}

			out, err := runFFprobe(ctx, "-v", "quiet", "-print_format", "json",
				"-show_format", "-show_streams", input)
			if err != nil {
				return fmt.Sprintf("❌ %v", err)
			}

			var probe struct {
				Format struct {
					Duration string `json:"duration"`
					Size     string `json:"size"`
				} `json:"format"`
				Streams []struct {
					CodecType string `json:"codec_type"`
					CodecName string `json:"codec_name"`
					Width     int    `json:"width"`
					Height    int    `json:"height"`
				} `json:"streams"`
			}
			if err := json.Unmarshal([]byte(out), &probe); err != nil {
				return fmt.Sprintf("❌ Failed to parse ffprobe output: %v", err)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Video: %s\n", input)
			fmt.Fprintf(&b, "Duration: %ss\n", probe.Format.Duration)
			fmt.Fprintf(&b, "Size: %s bytes\n", probe.Format.Size)
			for _, s := range probe.Streams {
				switch s.CodecType {
				case "video":
					fmt.Fprintf(&b, "Video stream: %s %dx%d\n", s.CodecName, s.Width, s.Height)
				case "audio":
					fmt.Fprintf(&b, "Audio stream: %s\n", s.CodecName)
				}
			}
			return strings.TrimRight(b.String(), "\n")
		},
	}
}

func trimVideoDescriptor(outputDir string) Descriptor {
	return Descriptor{
		Name:        "trim_video",
		Description: "Cut a segment out of a video between start and end times (seconds).",
		Schema: ObjectSchema(map[string]any{
			"input_file":  map[string]any{"type": "string"},
			"output_file": map[string]any{"type": "string"},
			"start":       map[string]any{"type": "number", "description": "Start time in seconds"},
			"end":         map[string]any{"type": "number", "description": "End time in seconds"},
		}, "input_file", "output_file", "start", "end"),
		Handler: func(ctx context.Context, args map[string]any) string {
			input := StringArg(args, "input_file")
			output := resolveOutput(outputDir, StringArg(args, "output_file"))
			start, _ := FloatArg(args, "start")
			end, _ := FloatArg(args, "end")
			if end <= start {
				return fmt.Sprintf("❌ Invalid range: end (%.2f) must be after start (%.2f)", end, start)
			}

			_, err := runFFmpeg(ctx, "-i", input,
				"-ss", fmt.Sprintf("%.3f", start),
				"-t", fmt.Sprintf("%.3f", end-start),
				"-y", output)
			if err != nil {
				return fmt.Sprintf("❌ %v", err)
			}
			return fmt.Sprintf("Trimmed %s [%.2fs → %.2fs] into %s", input, start, end, output)
		},
	}
}

func mergeVideosDescriptor(outputDir string) Descriptor {
	return Descriptor{
		Name:        "merge_videos",
		Description: "Concatenate multiple videos into one, in the given order.",
		Schema: ObjectSchema(map[string]any{
			"input_files": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"output_file": map[string]any{"type": "string"},
		}, "input_files", "output_file"),
		Handler: func(ctx context.Context, args map[string]any) string {
			inputs := StringSliceArg(args, "input_files")
			output := resolveOutput(outputDir, StringArg(args, "output_file"))
			if len(inputs) < 2 {
				return "❌ merge_videos needs at least two input files"
			}

			// ffmpeg concat demuxer reads the file list from disk.
			var list strings.Builder
			for _, f := range inputs {
				abs, err := filepath.Abs(f)
				if err != nil {
					return fmt.Sprintf("❌ Bad input path %s: %v", f, err)
				}
				fmt.Fprintf(&list, "file '%s'\n", abs)
			}
			listPath := output + ".txt"
			if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
				return fmt.Sprintf("❌ Failed to write concat list: %v", err)
			}
			defer os.Remove(listPath)

			_, err := runFFmpeg(ctx, "-f", "concat", "-safe", "0",
				"-i", listPath, "-c", "copy", "-y", output)
			if err != nil {
				return fmt.Sprintf("❌ %v", err)
			}
			return fmt.Sprintf("Merged %d videos into %s", len(inputs), output)
		},
	}
}

func addTextOverlayDescriptor(outputDir string) Descriptor {
	return Descriptor{
		Name:        "add_text_overlay",
		Description: "Burn a text caption into a video for a time window.",
		Schema: ObjectSchema(map[string]any{
			"input_file":  map[string]any{"type": "string"},
			"output_file": map[string]any{"type": "string"},
			"text":        map[string]any{"type": "string"},
			"font_size":   map[string]any{"type": "integer"},
			"font_color":  map[string]any{"type": "string"},
			"start":       map[string]any{"type": "number"},
			"end":         map[string]any{"type": "number"},
		}, "input_file", "output_file", "text"),
		Handler: func(ctx context.Context, args map[string]any) string {
			input := StringArg(args, "input_file")
			output := resolveOutput(outputDir, StringArg(args, "output_file"))
			text := StringArg(args, "text")

			size, ok := FloatArg(args, "font_size")
			if !ok {
				size = 36
			}
			color := StringArg(args, "font_color")
			if color == "" {
				color = "white"
			}
			start, _ := FloatArg(args, "start")
			end, hasEnd := FloatArg(args, "end")

			// Single quotes break the drawtext filter syntax.
			escaped := strings.ReplaceAll(text, "'", "\\'")
			filter := fmt.Sprintf("drawtext=text='%s':x=(w-text_w)/2:y=h-th-40:fontsize=%d:fontcolor=%s",
				escaped, int(size), color)
			if hasEnd && end > start {
				filter += fmt.Sprintf(":enable='between(t,%.2f,%.2f)'", start, end)
			}

			_, err := runFFmpeg(ctx, "-i", input, "-vf", filter, "-codec:a", "copy", "-y", output)
			if err != nil {
				return fmt.Sprintf("❌ %v", err)
			}
			return fmt.Sprintf("Added text overlay to %s, wrote %s", input, output)
		},
	}
}

var audioCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"wav":  "pcm_s16le",
	"flac": "flac",
	"ogg":  "libvorbis",
}

func extractAudioDescriptor(outputDir string) Descriptor {
	return Descriptor{
		Name:        "extract_audio",
		Description: "Extract the audio track of a video into mp3, aac, wav, flac, or ogg.",
		Schema: ObjectSchema(map[string]any{
			"input_file":  map[string]any{"type": "string"},
			"output_file": map[string]any{"type": "string"},
			"format":      map[string]any{"type": "string"},
		}, "input_file", "output_file"),
		Handler: func(ctx context.Context, args map[string]any) string {
			input := StringArg(args, "input_file")
			output := resolveOutput(outputDir, StringArg(args, "output_file"))
			format := StringArg(args, "format")
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(output), ".")
			}

			codec, ok := audioCodecs[format]
			if !ok {
				return fmt.Sprintf("❌ Unsupported audio format: %s", format)
			}

			_, err := runFFmpeg(ctx, "-i", input, "-vn", "-acodec", codec, "-y", output)
			if err != nil {
				return fmt.Sprintf("❌ %v", err)
			}
			return fmt.Sprintf("Extracted %s audio from %s into %s", format, input, output)
		},
	}
}
