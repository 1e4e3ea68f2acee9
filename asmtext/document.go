package asmtext

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// MaxLineLen is the longest line accepted by Parse.
const MaxLineLen = 2048

var (
	// ErrLineTooLong means a line is longer than MaxLineLen.
	ErrLineTooLong = errors.New("line too long")
)

// LineError is an error tied to one line of a document.
type LineError struct {
	File string
	Line int
	Text string
	Err  error
}

func (o *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %s (%q)", o.File, o.Line, o.Err, strings.TrimSpace(o.Text))
}

func (o *LineError) Unwrap() error {
	return o.Err
}

// Document is an assembly file split into classified lines.
type Document struct {
	// Name is the document's file name as used in diagnostics.
	Name string

	Lines []Line
}

// ParseFile reads and parses the assembly file at filePath.
func ParseFile(filePath string) (*Document, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s - %w", filePath, err)
	}
	defer f.Close()

	return Parse(f, filePath)
}

// Parse reads an assembly document from r. A label that is followed by
// an instruction on the same line becomes two lines. Lines inside
// blocks emitted by a previous rewrite are marked as Generated.
func Parse(r io.Reader, name string) (*Document, error) {
	doc := &Document{
		Name: name,
	}

	reader := bufio.NewReader(r)
	inBlock := false
	number := 0

	for {
		text, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if text == "" {
				break
			}
		} else if err != nil {
			return nil, fmt.Errorf("failed to read %s - %w", name, err)
		}

		number++
		text = strings.TrimSuffix(text, "\n")

		if len(text) > MaxLineLen {
			return nil, &LineError{
				File: name,
				Line: number,
				Text: text[:64],
				Err:  fmt.Errorf("longer than %d bytes - %w", MaxLineLen, ErrLineTooLong),
			}
		}

		trimmed := strings.TrimSpace(text)
		isBegin := strings.HasPrefix(trimmed, BlockBegin+BlockRule)
		isEnd := strings.HasPrefix(trimmed, BlockEnd+BlockRule)

		var lines []Line
		label, insn, isSplit := SplitLabel(text)
		if isSplit {
			lines = append(lines, NewLine(label), NewLine(insn))
		} else {
			lines = append(lines, NewLine(text))
		}

		for _, line := range lines {
			line.Number = number
			line.Generated = inBlock || isBegin || isEnd
			doc.Lines = append(doc.Lines, line)
		}

		switch {
		case isBegin:
			inBlock = true
		case isEnd:
			inBlock = false
		}

		if err != nil {
			break
		}
	}

	return doc, nil
}

// Bytes returns the document's text. Every line, including the last,
// is terminated with a newline.
func (o *Document) Bytes() []byte {
	buf := bytes.NewBuffer(nil)

	for _, line := range o.Lines {
		buf.WriteString(line.Text)
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

// WriteTo writes the document's text to w.
func (o *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(o.Bytes())
	return int64(n), err
}

// WriteFile writes the document's text to filePath, replacing
// the file if it exists.
func (o *Document) WriteFile(filePath string) error {
	err := os.WriteFile(filePath, o.Bytes(), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s - %w", filePath, err)
	}

	return nil
}

// ErrorAt wraps err in a *LineError for line.
func (o *Document) ErrorAt(line Line, err error) error {
	return &LineError{
		File: o.Name,
		Line: line.Number,
		Text: line.Text,
		Err:  err,
	}
}
