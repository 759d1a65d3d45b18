package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var ErrCRLF = errors.New("invalid bare carriage return or newline")

// DataWrite writes the message read from r to w, as SMTP DATA: lines starting
// with a dot get an extra dot, and a final line without CRLF is terminated. The
// end-of-data marker is left to the caller.
//
// Lines must end with CRLF, a bare CR or LF results in ErrCRLF.
func DataWrite(w io.Writer, r io.Reader) error {
	// ../rfc/5321:2003
	br := bufio.NewReader(r)
	for {
		line, rerr := br.ReadBytes('\n')
		if rerr != nil && rerr != io.EOF {
			return rerr
		}
		if len(line) == 0 {
			return nil
		}

		content, terminated := bytes.CutSuffix(line, []byte("\r\n"))
		if !terminated && bytes.HasSuffix(line, []byte("\n")) || bytes.ContainsAny(content, "\r\n") {
			return ErrCRLF
		}
		if len(content) > 0 && content[0] == '.' {
			if _, err := w.Write([]byte{'.'}); err != nil {
				return err
			}
		}
		if _, err := w.Write(content); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		if rerr == io.EOF {
			return nil
		}
	}
}

// ReadData reads SMTP DATA from r, up to and including the end-of-data line
// with a single dot, and returns the message with stuffed dots removed.
//
// Bare LFs are accepted as message data, but not around a dot, and bare CRs are
// not accepted. Both result in ErrCRLF, after the data has been read to keep
// the session in sync. Data that ends without end-of-data line results in
// io.ErrUnexpectedEOF.
func ReadData(r *bufio.Reader) ([]byte, error) {
	var msg []byte
	var badcrlf bool
	prevCRLF := true
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		} else if err != nil {
			return nil, fmt.Errorf("reading data: %w", err)
		}

		crlf := bytes.HasSuffix(line, []byte("\r\n"))
		switch {
		case string(line) == ".\r\n" && prevCRLF:
			if badcrlf {
				return nil, ErrCRLF
			}
			return msg, nil
		case string(line) == ".\r\n" || string(line) == ".\n":
			// ../rfc/5321:2032
			badcrlf = true
		case bytes.ContainsRune(bytes.TrimSuffix(line, []byte("\r\n")), '\r'):
			badcrlf = true
		}
		if prevCRLF {
			line = bytes.TrimPrefix(line, []byte("."))
		}
		msg = append(msg, line...)
		prevCRLF = crlf
	}
}
