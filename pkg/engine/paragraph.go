package engine

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const maxLineLength = 1024 * 1024

// Paragraph is one deb822 stanza, keyed by field name
type Paragraph map[string]string

// ReadParagraphs calls fn for every stanza read from r. Continuation lines
// are joined with newlines and a lone "." continuation becomes an empty line.
func ReadParagraphs(r io.Reader, fn func(Paragraph) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	para := Paragraph{}
	var lastKey string
	flush := func() error {
		if len(para) == 0 {
			return nil
		}
		err := fn(para)
		para = Paragraph{}
		lastKey = ""
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if err := flush(); err != nil {
				return err
			}
		case line[0] == ' ' || line[0] == '\t':
			if lastKey == "" {
				return fmt.Errorf("continuation line without field: %q", line)
			}
			cont := strings.TrimSpace(line)
			if cont == "." {
				cont = ""
			}
			para[lastKey] += "\n" + cont
		default:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return fmt.Errorf("malformed field line: %q", line)
			}
			lastKey = key
			para[key] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read paragraphs: %w", err)
	}
	return flush()
}
