package healer

import (
	"fmt"
	"os"
	"strings"
)

// The healer emits literal unified diffs against the current content of a
// target file, so the applier can replay them hunk by hunk. Generating a
// diff requires reading the file as it is right now; the diff is then
// frozen into the proposal as its dry_run_diff.

const diffContext = 2

// readLines loads a file and splits it into lines without trailing
// newlines. A trailing newline in the file yields no empty last element.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target %s: %w", path, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// replaceLineDiff builds a single-hunk unified diff replacing line idx
// (zero-based) with newLine, with up to diffContext lines of context on
// each side.
func replaceLineDiff(path string, lines []string, idx int, newLine string) string {
	lo := idx - diffContext
	if lo < 0 {
		lo = 0
	}
	hi := idx + diffContext
	if hi > len(lines)-1 {
		hi = len(lines) - 1
	}
	count := hi - lo + 1

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", lo+1, count, lo+1, count)
	for i := lo; i <= hi; i++ {
		if i == idx {
			b.WriteString("-" + lines[i] + "\n")
			b.WriteString("+" + newLine + "\n")
			continue
		}
		b.WriteString(" " + lines[i] + "\n")
	}
	return b.String()
}

// appendLineDiff builds a unified diff that appends newLine at the end of
// the file, anchored on the current last line as context.
func appendLineDiff(path string, lines []string, newLine string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	if len(lines) == 0 {
		fmt.Fprintf(&b, "@@ -0,0 +1,1 @@\n")
		b.WriteString("+" + newLine + "\n")
		return b.String()
	}
	last := len(lines) - 1
	fmt.Fprintf(&b, "@@ -%d,1 +%d,2 @@\n", last+1, last+1)
	b.WriteString(" " + lines[last] + "\n")
	b.WriteString("+" + newLine + "\n")
	return b.String()
}

// findKeyLine returns the index of the first line whose trimmed content
// starts with "key:", searching lines[from:]. Returns -1 when absent.
func findKeyLine(lines []string, from int, key string) int {
	for i := from; i < len(lines); i++ {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "- "))
		if strings.HasPrefix(trimmed, key+":") {
			return i
		}
	}
	return -1
}

// findTaskKeyLine locates the "key:" line inside the block of the task
// with the given id in a suite definition YAML. The block runs from the
// task's "id:" line to the next "id:" line or EOF.
func findTaskKeyLine(lines []string, taskID, key string) int {
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if trimmed == "id: "+taskID || trimmed == "id: \""+taskID+"\"" {
			start = i
			break
		}
	}
	if start < 0 {
		return -1
	}
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "- "))
		if strings.HasPrefix(trimmed, "id:") {
			return -1 // next task block, key not present for this one
		}
		if strings.HasPrefix(trimmed, key+":") {
			return i
		}
	}
	return -1
}

// rewriteValue keeps everything up to and including "key:" in line and
// replaces the value after it, preserving indentation.
func rewriteValue(line, key, newValue string) string {
	pos := strings.Index(line, key+":")
	if pos < 0 {
		return line
	}
	return line[:pos+len(key)+1] + " " + newValue
}

// yamlValue extracts the raw value after "key:" in line.
func yamlValue(line, key string) string {
	pos := strings.Index(line, key+":")
	if pos < 0 {
		return ""
	}
	return strings.TrimSpace(line[pos+len(key)+1:])
}
