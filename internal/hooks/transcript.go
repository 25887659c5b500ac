package hooks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LastAssistantMessage returns the text of the final assistant entry in a
// JSONL transcript. Lines that do not parse are skipped.
func LastAssistantMessage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)

	var last string
	for sc.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "assistant" && line.Message.Role != "assistant" {
			continue
		}
		if text := contentText(line.Message.Content); text != "" {
			last = text
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	return last, nil
}

// contentText accepts either a plain string or a list of content blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// WorkerOutput returns the worker's final message for a Stop event.
func (in Input) WorkerOutput() (string, error) {
	if in.LastMessage != "" || in.TranscriptPath == "" {
		return in.LastMessage, nil
	}
	return LastAssistantMessage(in.TranscriptPath)
}
