// Package csv reads delimited source files into all-Text datasets.
//
// Cells are trimmed and empty cells become nulls. Typing happens later in the
// normalizer, which knows each source's column semantics.
package csv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"espacios/internal/dataset"
)

// Options controls CSV parsing.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// LazyQuotes tolerates stray quotes inside unquoted fields, which the
	// published datasets occasionally contain.
	LazyQuotes bool

	// Source labels errors (e.g. "museos").
	Source string
}

const bom = "\uFEFF"

// sniffSize is how many bytes are inspected to decide the input encoding.
const sniffSize = 64 * 1024

// ReadDataset parses r into a dataset with one nullable Text column per header.
//
// Encoding: input that is not valid UTF-8 within the first 64KiB is decoded as
// ISO-8859-1. A leading BOM is removed. Header names are trimmed and NFC
// normalized so "Categoría" matches regardless of how the accent was encoded.
// Duplicate headers get ".1", ".2" suffixes in order of appearance.
func ReadDataset(ctx context.Context, r io.Reader, opt Options) (*dataset.Dataset, error) {
	src, err := decodeInput(r)
	if err != nil {
		return nil, fmt.Errorf("csv %s: %w", opt.Source, err)
	}

	cr := csv.NewReader(src)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	line := 1
	hdr, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv %s: empty input, no header", opt.Source)
		}
		return nil, fmt.Errorf("csv %s: read header: %w", opt.Source, err)
	}

	names := headerNames(hdr)
	cols := make([]dataset.Column, len(names))
	for i, n := range names {
		cols[i] = dataset.Column{Name: n, Type: dataset.Text, Nullable: true}
	}
	ds, err := dataset.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("csv %s: %w", opt.Source, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			return ds, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv %s: line %d: %w", opt.Source, line, err)
		}
		if isBlankRecord(rec) {
			continue
		}
		if len(rec) > len(names) {
			return nil, fmt.Errorf("csv %s: line %d: %d fields, header has %d", opt.Source, line, len(rec), len(names))
		}

		cells := make([]any, len(names))
		for i := range names {
			if i >= len(rec) {
				continue
			}
			if v := strings.TrimSpace(rec[i]); v != "" {
				cells[i] = v
			}
		}
		if err := ds.AppendText(cells); err != nil {
			return nil, fmt.Errorf("csv %s: line %d: %w", opt.Source, line, err)
		}
	}
}

func decodeInput(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	if bytes.HasPrefix(head, []byte(bom)) {
		if _, err := br.Discard(len(bom)); err != nil {
			return nil, err
		}
		return br, nil
	}
	if validUTF8Prefix(head) {
		return br, nil
	}
	return transform.NewReader(br, charmap.ISO8859_1.NewDecoder()), nil
}

// validUTF8Prefix tolerates a multi-byte rune cut off at the sniff boundary.
func validUTF8Prefix(b []byte) bool {
	if utf8.Valid(b) {
		return true
	}
	for cut := 1; cut < utf8.UTFMax && cut < len(b); cut++ {
		if utf8.Valid(b[:len(b)-cut]) && !utf8.FullRune(b[len(b)-cut:]) {
			return true
		}
	}
	return false
}

func headerNames(hdr []string) []string {
	seen := make(map[string]int, len(hdr))
	out := make([]string, len(hdr))
	for i, h := range hdr {
		h = norm.NFC.String(strings.TrimSpace(strings.TrimPrefix(h, bom)))
		if h == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		if n, dup := seen[h]; dup {
			seen[h] = n + 1
			h = h + "." + strconv.Itoa(n+1)
		} else {
			seen[h] = 0
		}
		out[i] = h
	}
	return out
}

func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
