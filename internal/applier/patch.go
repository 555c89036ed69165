package applier

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/driftgate/driftgate/pkg/models"
)

// applyUnifiedDiff replays a proposal's dry-run diff against the current
// file content. Every context and deletion line must match the original
// exactly; any divergence means the file moved under the proposal and the
// apply fails rather than guessing.
func applyUnifiedDiff(original []byte, diffText string) ([]byte, error) {
	fileDiff, err := diff.ParseFileDiff([]byte(diffText))
	if err != nil {
		return nil, fmt.Errorf("%w: parse diff: %v", models.ErrApplyFailed, err)
	}

	origLines := splitLines(original)
	var out []string
	cursor := 0

	for _, hunk := range fileDiff.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if hunk.OrigStartLine == 0 {
			start = 0 // insertion into an empty file
		}
		if start < cursor || start > len(origLines) {
			return nil, fmt.Errorf("%w: hunk start %d out of range", models.ErrApplyFailed, hunk.OrigStartLine)
		}
		out = append(out, origLines[cursor:start]...)
		cursor = start

		body := strings.TrimSuffix(string(hunk.Body), "\n")
		for _, line := range strings.Split(body, "\n") {
			if line == "" {
				line = " " // empty context line
			}
			content := line[1:]
			switch line[0] {
			case ' ':
				if cursor >= len(origLines) || origLines[cursor] != content {
					return nil, contextMismatch(cursor, content, origLines)
				}
				out = append(out, content)
				cursor++
			case '-':
				if cursor >= len(origLines) || origLines[cursor] != content {
					return nil, contextMismatch(cursor, content, origLines)
				}
				cursor++
			case '+':
				out = append(out, content)
			case '\\':
				// "\ No newline at end of file" marker
			default:
				return nil, fmt.Errorf("%w: malformed diff line %q", models.ErrApplyFailed, line)
			}
		}
	}

	out = append(out, origLines[cursor:]...)
	if len(out) == 0 {
		return []byte{}, nil
	}
	return []byte(strings.Join(out, "\n") + "\n"), nil
}

func contextMismatch(cursor int, want string, origLines []string) error {
	have := "<eof>"
	if cursor < len(origLines) {
		have = origLines[cursor]
	}
	return fmt.Errorf("%w: line %d: diff expects %q, file has %q",
		models.ErrApplyFailed, cursor+1, want, have)
}

func splitLines(b []byte) []string {
	text := strings.TrimSuffix(string(b), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
