package service

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

const (
	doneMarker  = "DONE:"
	errorMarker = "ERROR:"
	otherStem   = "Other"
)

// stemKeywords are matched against file names in this order.
var stemKeywords = []struct {
	keyword string
	label   string
}{
	{"vocals", "Vocals"},
	{"drums", "Drums"},
	{"bass", "Bass"},
	{"guitar", "Guitar"},
	{"piano", "Piano"},
	{"other", otherStem},
}

var audioExts = []string{".mp3", ".wav", ".flac"}

// classify returns the stem label of a file name and whether a keyword
// matched. Unmatched names are labeled Other.
func classify(name string) (string, bool) {
	lower := strings.ToLower(filepath.Base(name))
	for _, k := range stemKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.label, true
		}
	}
	return otherStem, false
}

// outputLines splits the worker stdout into trimmed lines.
func outputLines(stdout string) []string {
	lines := strings.Split(stdout, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

// resultFiles returns the files listed on the first DONE: line. A missing
// line is an empty result.
func resultFiles(lines []string) []string {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, doneMarker)
		if !ok {
			continue
		}
		var files []string
		for f := range strings.SplitSeq(rest, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		return files
	}
	return nil
}

// errorMessage returns the message of the first ERROR: line.
func errorMessage(lines []string) string {
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, errorMarker); ok {
			if msg := strings.TrimSpace(rest); msg != "" {
				return msg
			}
		}
	}
	return unknownError
}

// collectStems maps stem labels to public references of the files the
// worker produced. When no reported file matches a keyword, outDir is
// scanned for audio files instead.
func collectStems(ctx context.Context, stemsURL, id, outDir string, files []string) map[string]string {
	stems := make(map[string]string, len(files))
	matched := false
	for _, f := range files {
		label, ok := classify(f)
		matched = matched || ok
		stems[label] = stemRef(stemsURL, id, f)
	}
	if matched {
		return stems
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		slog.WarnContext(ctx, "scanning output directory", "dir", outDir, "error", err)
		return stems
	}
	scanned := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !slices.Contains(audioExts, strings.ToLower(filepath.Ext(name))) {
			continue
		}
		label, ok := classify(name)
		if !ok {
			label = name
		}
		scanned[label] = stemRef(stemsURL, id, name)
	}
	if len(scanned) > 0 {
		slog.DebugContext(ctx, "stems found by scanning output directory", "count", len(scanned))
		return scanned
	}
	return stems
}

func stemRef(stemsURL, id, file string) string {
	return path.Join(stemsURL, id, filepath.Base(file))
}
