package fitsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
)

// ParseFile reads and decodes a FIT file from disk.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fit file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes decodes a complete FIT payload into messages in file order.
func ParseBytes(data []byte) (*File, error) {
	fr, err := readFrame(data)
	if err != nil {
		return nil, err
	}

	out := &File{
		Header:        fr.header,
		HeaderCRC:     fr.headerCRC,
		FileCRC:       fr.fileCRC,
		LeftoverBytes: fr.leftover,
		SourceSize:    int64(len(data)),
	}
	sum := sha256.Sum256(data)
	out.SourceSHA256 = hex.EncodeToString(sum[:])

	dec := newDecoder(fr.body, func(m Message) error {
		out.Messages = append(out.Messages, m)
		return nil
	})
	if err := dec.run(); err != nil {
		return nil, fmt.Errorf("decode fit records: %w", err)
	}
	out.DefinitionCount = dec.definitionsN

	if !fr.headerCRC.Valid {
		out.Warnings = append(out.Warnings, fmt.Sprintf("header crc mismatch: stored 0x%04X computed 0x%04X", fr.headerCRC.Stored, fr.headerCRC.Computed))
	}
	if !fr.fileCRC.Valid {
		out.Warnings = append(out.Warnings, fmt.Sprintf("file crc mismatch: stored 0x%04X computed 0x%04X", fr.fileCRC.Stored, fr.fileCRC.Computed))
	}
	if fr.leftover > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d trailing bytes after file crc", fr.leftover))
	}
	return out, nil
}

// Each decodes r and calls fn for every data message in file order.
// Decoding stops at the first error returned by fn or when ctx is done.
func Each(ctx context.Context, r io.Reader, fn func(Message) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read fit stream: %w", err)
	}
	fr, err := readFrame(data)
	if err != nil {
		return err
	}
	dec := newDecoder(fr.body, func(m Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(m)
	})
	return dec.run()
}

// Stream flattens r into (message type, field key, value) triples.
// The field key is the field name, or its decimal id when the profile has no name.
// Invalid values are passed through as nil.
func Stream(ctx context.Context, r io.Reader, fn func(messageType, field string, value any) error) error {
	return Each(ctx, r, func(m Message) error {
		for _, f := range m.Fields {
			key := f.Name
			if key == "" {
				key = strconv.Itoa(int(f.Number))
			}
			var v any
			if !f.Invalid {
				v = f.Value
			}
			if err := fn(m.Type, key, v); err != nil {
				return err
			}
		}
		return nil
	})
}
