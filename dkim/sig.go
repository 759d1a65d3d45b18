package dkim

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mjl-/sendmx/message"
)

var errSigMissingTag = errors.New("missing required tag")

// Sig is a DKIM-Signature header.
//
// String values must be compared case insensitively.
type Sig struct {
	Version          int      // Field "v", always 1.
	AlgorithmSign    string   // "rsa" or "ed25519". Field "a".
	AlgorithmHash    string   // "sha256". Field "a".
	Signature        []byte   // Field "b".
	BodyHash         []byte   // Field "bh".
	Domain           string   // Field "d", ASCII.
	SignedHeaders    []string // Duplicates are meaningful. Field "h".
	Selector         string   // For DNS TXT record at <s>._domainkey.<domain>. Field "s".
	Canonicalization string   // Field "c", "relaxed/relaxed" for signatures we make.
	SignTime         int64    // Unix epoch. -1 if unset. Field "t".
}

// Algorithm returns an algorithm string for use in the "a" field. E.g.
// "ed25519-sha256".
func (s Sig) Algorithm() string {
	return s.AlgorithmSign + "-" + s.AlgorithmHash
}

// Header returns the DKIM-Signature header, folded, ending with CRLF.
// ../rfc/6376:1021
func (s *Sig) Header() string {
	w := &message.HeaderWriter{}
	w.Addf("", "DKIM-Signature: v=%d;", s.Version)
	w.Addf(" ", "d=%s;", s.Domain)
	w.Addf(" ", "s=%s;", s.Selector)
	w.Addf(" ", "a=%s;", s.Algorithm())
	if s.Canonicalization != "" {
		w.Addf(" ", "c=%s;", s.Canonicalization)
	}
	if s.SignTime >= 0 {
		w.Addf(" ", "t=%d;", s.SignTime)
	}
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.Add(sep, h)
	}
	w.Addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))
	w.Add(" ", "b=")
	if len(s.Signature) > 0 {
		w.AddWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)), false)
	}
	return w.String()
}

// parseSignature parses the value of a DKIM-Signature header.
func parseSignature(value string) (*Sig, error) {
	tags, err := parseTags(value)
	if err != nil {
		return nil, err
	}
	sig := &Sig{SignTime: -1, Canonicalization: "simple/simple"}
	have := map[string]bool{}
	for _, t := range tags {
		have[t.name] = true
		switch t.name {
		case "v":
			sig.Version, err = strconv.Atoi(t.value)
			if err == nil && sig.Version != 1 {
				err = fmt.Errorf("unsupported version %d", sig.Version)
			}
		case "a":
			var ok bool
			sig.AlgorithmSign, sig.AlgorithmHash, ok = strings.Cut(strings.ToLower(t.value), "-")
			if !ok {
				err = fmt.Errorf("malformed algorithm %q", t.value)
			}
		case "b":
			sig.Signature, err = base64.StdEncoding.DecodeString(removeFWS(t.value))
		case "bh":
			sig.BodyHash, err = base64.StdEncoding.DecodeString(removeFWS(t.value))
		case "d":
			sig.Domain = strings.ToLower(t.value)
		case "h":
			sig.SignedHeaders = splitList(removeFWS(t.value))
		case "s":
			sig.Selector = strings.ToLower(t.value)
		case "c":
			sig.Canonicalization = strings.ToLower(t.value)
		case "t":
			sig.SignTime, err = strconv.ParseInt(t.value, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("tag %s: %v", t.name, err)
		}
	}
	for _, k := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !have[k] {
			return nil, fmt.Errorf("%w: %s", errSigMissingTag, k)
		}
	}
	return sig, nil
}

var sigValueRegexp = regexp.MustCompile(`(^|;)(\s*b\s*=)[^;]*`)

// stripSignature removes the value of the b= tag from a raw DKIM-Signature
// header, for computing the data hash. ../rfc/6376:1358
func stripSignature(raw string) string {
	return sigValueRegexp.ReplaceAllString(raw, "$1$2")
}
