package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxLineSize is the maximum NDJSON line size (256 KiB). Event-log entries and
// transcript messages larger than this are rejected rather than truncated.
const MaxLineSize = 256 * 1024

// Encoder writes values as newline-delimited JSON to an output stream.
type Encoder struct {
	writer *bufio.Writer
}

// NewEncoder creates a new NDJSON encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

// Encode writes a value as a single JSON line and flushes immediately so that
// tail readers observe the entry as soon as it is written.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	if len(data) > MaxLineSize {
		return fmt.Errorf("line size %d exceeds limit %d", len(data), MaxLineSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return e.writer.Flush()
}

// Decoder reads newline-delimited JSON values from an input stream.
type Decoder struct {
	scanner *bufio.Scanner
	lineNum int
}

// NewDecoder creates a new NDJSON decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)

	// Default scanner buffer is 64 KiB which would truncate larger entries.
	buf := make([]byte, MaxLineSize)
	scanner.Buffer(buf, MaxLineSize)

	return &Decoder{scanner: scanner}
}

// Decode reads the next line into v, skipping empty lines.
// Returns io.EOF at end of stream.
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}
		return nil
	}
}

// DecodeAll reads every remaining line, invoking decode for each entry. The
// decode callback receives the raw line and unmarshals it into whatever shape
// the caller needs (event logs hold heterogeneous entry kinds).
func (d *Decoder) DecodeAll(decode func(line []byte) error) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return nil
		}

		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		if err := decode(data); err != nil {
			return fmt.Errorf("line %d: %w", d.lineNum, err)
		}
	}
}
