package engine

import (
	"path/filepath"
	"strings"
)

// Payloads are free-form JSON objects whose shape is role-dependent; these
// accessors read the keys the scheduler cares about with defensive
// defaults rather than imposing a closed schema.

const (
	keyStatus     = "status"
	keyFiles      = "files"
	keyAnalysisMD = "analysis_md"

	statusDone = "DONE"
)

func payloadStatus(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[keyStatus].(string)
	return strings.TrimSpace(s)
}

func payloadAnalysisMD(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[keyAnalysisMD].(string)
	return s
}

// payloadFiles decodes the files array into proposals. A missing or
// non-string path or content reads as empty; entries that are not objects,
// or that end up with a blank path and empty content, are skipped. Path
// validation is the applicator's job.
func payloadFiles(payload map[string]any) []FileProposal {
	if payload == nil {
		return nil
	}
	raw, ok := payload[keyFiles].([]any)
	if !ok {
		return nil
	}
	out := []FileProposal{}
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		path, _ := obj["path"].(string)
		content, _ := obj["content"].(string)
		if strings.TrimSpace(path) == "" && content == "" {
			continue
		}
		out = append(out, FileProposal{Path: path, Content: content})
	}
	return out
}

// reducePayload strips known oversize fields before the handoff: files are
// already on disk, and analysis_md moves to a sidecar whose path replaces
// it. Everything else is forwarded verbatim. The returned map is a copy.
func reducePayload(payload map[string]any, artifactDir string) (map[string]any, string) {
	if payload == nil {
		return nil, ""
	}
	reduced := make(map[string]any, len(payload))
	for k, v := range payload {
		reduced[k] = v
	}
	delete(reduced, keyFiles)
	analysis := payloadAnalysisMD(payload)
	if analysis != "" {
		delete(reduced, keyAnalysisMD)
		reduced["analysis_md_path"] = filepath.Join(artifactDir, "analysis.md")
	}
	return reduced, analysis
}

// rawExcerpt truncates assistant text for the synthetic parse-failure
// payload.
func rawExcerpt(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit]
}
