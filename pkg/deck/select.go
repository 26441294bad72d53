package deck

import (
	"fmt"
	"regexp"
	"strings"
)

// taskMarker matches a task marker line: optional leading whitespace, an
// optional // comment prefix, the literal marker keyword and colon, an
// identifier, and nothing but whitespace after it. Lines that carry extra
// content around the marker are ordinary deck lines, not markers.
var taskMarker = regexp.MustCompile(`^\s*(?://)?TASK NAME:(\w+)\s*$`)

// SelectTask activates exactly one task in a multi-task deck.
//
// The deck is processed line by line. The marker line naming task is
// rewritten to its active form "TASK NAME:<task>"; every other marker line
// is rewritten to its commented form "//TASK NAME:<name>". Non-marker lines
// pass through unchanged. Line endings are canonicalized to CRLF and the
// result always ends with a terminator, so selecting the same task twice
// yields identical output.
//
// Returns ErrTaskNotFound, with no partial output, when no marker names the
// requested task.
func SelectTask(text, task string) (string, error) {
	lines := strings.Split(text, "\n")
	found := false
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		lines[i] = line

		m := taskMarker.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] == task {
			lines[i] = "TASK NAME:" + task
			found = true
		} else {
			lines[i] = "//TASK NAME:" + m[1]
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %q", ErrTaskNotFound, task)
	}
	return ensureTerminated(strings.Join(lines, "\r\n")), nil
}
