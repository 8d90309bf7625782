package parser

// streaming.go provides the io.Reader transforms applied to an upload
// stream before CSV decoding:
//
//   - bomSkippingReader: strips a UTF-8 BOM (0xEF 0xBB 0xBF) that
//     Windows spreadsheet exports prepend.
//   - utf8Sanitizer: replaces invalid UTF-8 bytes with '?' on the fly,
//     in O(buffer) memory.
//   - limitReader: enforces the payload byte ceiling incrementally and
//     fails with ErrPayloadTooLarge mid-stream, so oversized uploads
//     never fully buffer.
//
// wrapStream applies all three in the correct order.

import (
	"io"
	"unicode/utf8"
)

// wrapStream layers the streaming transforms over r. The limit check
// runs first so the ceiling counts raw bytes as uploaded.
func wrapStream(r io.Reader, maxBytes int64) io.Reader {
	if maxBytes > 0 {
		r = &limitReader{reader: r, remaining: maxBytes}
	}
	return newUTF8Sanitizer(newBOMSkippingReader(r))
}

// limitReader fails with ErrPayloadTooLarge once more than its budget
// has been read from the underlying stream.
type limitReader struct {
	reader    io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Budget exhausted. A stream that ends exactly at the limit is
		// fine; one more byte is not.
		var probe [1]byte
		n, err := l.reader.Read(probe[:])
		if n > 0 {
			return 0, ErrPayloadTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// bomSkippingReader removes a leading UTF-8 byte order mark, if present.
type bomSkippingReader struct {
	reader  io.Reader
	checked bool
}

func newBOMSkippingReader(r io.Reader) *bomSkippingReader {
	return &bomSkippingReader{reader: r}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (b *bomSkippingReader) Read(p []byte) (int, error) {
	if b.checked {
		return b.reader.Read(p)
	}
	b.checked = true

	head := make([]byte, len(utf8BOM))
	n, err := io.ReadFull(b.reader, head)
	if n == 0 {
		return 0, err
	}
	head = head[:n]

	if n == len(utf8BOM) && head[0] == utf8BOM[0] && head[1] == utf8BOM[1] && head[2] == utf8BOM[2] {
		return b.reader.Read(p)
	}

	copied := copy(p, head)
	if copied < n {
		// Caller's buffer is smaller than the BOM probe. CSV decoding
		// always reads with buffers far larger than 3 bytes, so treat
		// this as a programmer error rather than buffering leftovers.
		return copied, io.ErrShortBuffer
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return copied, err
}

// utf8Sanitizer replaces invalid UTF-8 bytes with '?' as bytes stream
// through. The substitute is single-byte so the rewrite happens in
// place; incomplete multi-byte sequences at a read boundary are carried
// over to the next call.
type utf8Sanitizer struct {
	reader  io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{reader: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	if allASCII(p[:n]) {
		return n, err
	}

	return s.sanitize(p[:n], err == io.EOF), err
}

// allASCII is the fast path: most CSV payloads are pure ASCII.
func allASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place, substituting '?' for invalid bytes,
// and returns the number of valid bytes. When not at EOF, an incomplete
// trailing sequence is saved for the next read.
func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	i := 0
	for i < len(data) {
		r, size := utf8.DecodeRune(data[i:])
		if r != utf8.RuneError || size != 1 {
			i += size
			continue
		}

		// Possibly an incomplete sequence split across reads.
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.pending = append(s.pending, data[i:]...)
			return i
		}

		data[i] = '?'
		i++
	}
	return len(data)
}
