// Package setup implements calrelay's interactive flows: Google sign-in,
// picking calendars to mirror, and installing the launchd agent.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter provides terminal prompts over an io.Reader/Writer pair. In
// production these are os.Stdin and os.Stdout; tests pass buffers.
type Prompter struct {
	in      io.Reader
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: r, scanner: bufio.NewScanner(r), w: w}
}

func (p *Prompter) readLine() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String prompts for a text value. Enter alone returns defaultVal; with an
// empty defaultVal the prompt repeats until a value is given. At end of input
// defaultVal is returned.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.readLine()
		if !ok {
			return defaultVal
		}
		if val == "" {
			if defaultVal != "" {
				return defaultVal
			}
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val
	}
}

// Secret prompts for a sensitive value such as an authorisation code or a
// password. Input is hidden when reading from a terminal. Returns "" at end
// of input.
func (p *Prompter) Secret(label string) string {
	for {
		_, _ = fmt.Fprintf(p.w, "  %s: ", label)

		var val string
		if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			_, _ = fmt.Fprintln(p.w)
			if err != nil {
				return ""
			}
			val = strings.TrimSpace(string(b))
		} else {
			line, ok := p.readLine()
			if !ok {
				return ""
			}
			val = line
		}

		if val == "" {
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val
	}
}

// Confirm asks a yes/no question. defaultYes decides what Enter alone means.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, ok := p.readLine()
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Select presents a numbered list and returns the zero-based index of the
// chosen option.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}
	p.printOptions(label, options)

	for {
		_, _ = fmt.Fprintf(p.w, "  Choice [1-%d]: ", len(options))

		val, ok := p.readLine()
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > len(options) {
			_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
			continue
		}
		return n - 1, nil
	}
}

// MultiSelect presents a numbered list and returns the zero-based indices
// of the chosen options. Answers are comma-separated numbers ("1,3"), or
// "all". Duplicates are dropped and the input order is kept.
func (p *Prompter) MultiSelect(label string, options []string) ([]int, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("no options to select from")
	}
	p.printOptions(label, options)

	for {
		_, _ = fmt.Fprintf(p.w, "  Choices (comma-separated, e.g. 1,3, or all): ")

		val, ok := p.readLine()
		if !ok {
			return nil, fmt.Errorf("no input")
		}
		if strings.EqualFold(val, "all") {
			all := make([]int, len(options))
			for i := range all {
				all[i] = i
			}
			return all, nil
		}
		if indices, ok := parseChoices(val, len(options)); ok {
			return indices, nil
		}
		_, _ = fmt.Fprintf(p.w, "  (enter numbers between 1 and %d, separated by commas)\n", len(options))
	}
}

func (p *Prompter) printOptions(label string, options []string) {
	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}
}

func parseChoices(val string, n int) ([]int, bool) {
	seen := make(map[int]bool)
	var indices []int
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil || i < 1 || i > n {
			return nil, false
		}
		if !seen[i] {
			seen[i] = true
			indices = append(indices, i-1)
		}
	}
	return indices, len(indices) > 0
}
