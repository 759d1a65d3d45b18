// Package dkim (DomainKeys Identified Mail signatures, RFC 6376) signs
// messages before delivery, and verifies signatures and DNS records for
// checking a configuration.
//
// Signatures are added to email messages in DKIM-Signature headers. Signatures
// made by this package always use relaxed canonicalization for header and body.
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/stub"
)

var (
	MetricSign   stub.CounterVec = stub.CounterVecIgnore{}
	MetricVerify stub.CounterVec = stub.CounterVecIgnore{}
)

var timeNow = time.Now // Replaced during tests.

// DefaultHeaders are signed when a Selector has no Headers.
var DefaultHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type", "Content-Transfer-Encoding"}

// Status is the result of verifying a DKIM-Signature, as used in
// Authentication-Results headers.
type Status string

const (
	StatusPass      Status = "pass"      // Signature was verified.
	StatusFail      Status = "fail"      // Signature or body hash did not match.
	StatusNeutral   Status = "neutral"   // Signature could not be processed.
	StatusTemperror Status = "temperror" // E.g. DNS lookup failure, a later attempt may succeed.
	StatusPermerror Status = "permerror" // E.g. no DNS record, or invalid parameters.
)

var (
	ErrSign = errors.New("dkim: signing message")

	ErrNoRecord        = errors.New("dkim: no dkim dns record for selector and domain")
	ErrMultipleRecords = errors.New("dkim: multiple dkim dns record for selector and domain")
	ErrDNS             = errors.New("dkim: lookup of dkim dns record")
	ErrSyntax          = errors.New("dkim: syntax error in dkim dns record")

	ErrHeaderMalformed  = errors.New("dkim: mail message header is malformed")
	ErrFrom             = errors.New("dkim: bad from headers")
	ErrSigAlgMismatch   = errors.New("dkim: signature algorithm mismatch with dns record")
	ErrHashAlgorithm    = errors.New("dkim: hash algorithm not supported or not allowed")
	ErrCanonicalization = errors.New("dkim: unknown canonicalization")
	ErrBodyhashMismatch = errors.New("dkim: body hash does not match")
	ErrSigVerify        = errors.New("dkim: signature verification failed")
	ErrKeyRevoked       = errors.New("dkim: key has been revoked")
)

// Selector is a key with parameters for signing.
type Selector struct {
	Domain  string        // Selector name, the DNS record is at <selector>._domainkey.<domain>.
	Key     crypto.Signer // *rsa.PrivateKey or ed25519.PrivateKey.
	Hash    string        // Only "sha256". Empty means sha256.
	Headers []string      // Header fields to sign. DefaultHeaders if empty. From is always signed.
}

// Result is the outcome of verifying one DKIM-Signature header.
type Result struct {
	Status Status
	Sig    *Sig    // Can be nil for a malformed DKIM-Signature header.
	Record *Record // Optional.
	Err    error   // Details if Status is not StatusPass.
}

// Sign returns a DKIM-Signature header for msg, signed for domain, without
// trailing CRLF. Msg must have CRLF line endings and a header section with
// exactly one From header.
//
// Errors wrap ErrSign.
func Sign(ctx context.Context, elog *slog.Logger, sel Selector, domain string, msg []byte) (header string, rerr error) {
	log := mlog.New("dkim", elog).WithContext(ctx)
	start := timeNow()
	defer func() {
		if rerr != nil {
			rerr = fmt.Errorf("%w: %w", ErrSign, rerr)
		}
		log.Debugx("dkim sign result", rerr,
			slog.String("selector", sel.Domain),
			slog.String("domain", domain),
			slog.Duration("duration", time.Since(start)))
	}()

	d, err := dns.ParseDomain(domain)
	if err != nil {
		return "", fmt.Errorf("parsing domain: %v", err)
	}
	if sel.Hash != "" && !strings.EqualFold(sel.Hash, "sha256") {
		return "", fmt.Errorf("%w: %q", ErrHashAlgorithm, sel.Hash)
	}

	hdrs, body, err := parseHeaders(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}
	counts := map[string]int{}
	for _, h := range hdrs {
		counts[h.lkey]++
	}
	if counts["from"] != 1 {
		return "", fmt.Errorf("%w: message has %d from headers, need exactly 1", ErrFrom, counts["from"])
	}

	sig := &Sig{
		Version:          1,
		AlgorithmHash:    "sha256",
		Domain:           d.ASCII,
		Selector:         strings.ToLower(sel.Domain),
		Canonicalization: "relaxed/relaxed",
		SignTime:         timeNow().Unix(),
	}
	switch sel.Key.(type) {
	case *rsa.PrivateKey:
		sig.AlgorithmSign = "rsa"
	case ed25519.PrivateKey:
		sig.AlgorithmSign = "ed25519"
	default:
		return "", fmt.Errorf("unsupported private key type %T", sel.Key)
	}

	// Each occurrence of a header is signed, from the bottom up. ../rfc/6376:1174
	names := sel.Headers
	if len(names) == 0 {
		names = DefaultHeaders
	}
	seen := map[string]bool{}
	for _, name := range append([]string{"From"}, names...) {
		lk := strings.ToLower(name)
		if seen[lk] {
			continue
		}
		seen[lk] = true
		for i := 0; i < counts[lk]; i++ {
			sig.SignedHeaders = append(sig.SignedHeaders, name)
		}
	}

	bh := sha256.Sum256(relaxedBody(body))
	sig.BodyHash = bh[:]

	dh := dataHash(sig, hdrs, stripSignature(sig.Header()))
	switch key := sel.Key.(type) {
	case *rsa.PrivateKey:
		sig.Signature, err = key.Sign(cryptorand.Reader, dh, crypto.SHA256)
	case ed25519.PrivateKey:
		// crypto.Hash(0) indicates data isn't prehashed (ed25519ph). We are using
		// PureEdDSA to sign the sha256 hash. ../rfc/8463:123
		sig.Signature, err = key.Sign(cryptorand.Reader, dh, crypto.Hash(0))
	}
	if err != nil {
		return "", fmt.Errorf("signing data: %v", err)
	}
	MetricSign.IncLabels(sig.AlgorithmSign)

	return strings.TrimSuffix(sig.Header(), "\r\n"), nil
}

// dataHash returns the hash over the signed headers and the DKIM-Signature
// header itself, with its b= value removed.
func dataHash(sig *Sig, hdrs []header, sigHeader string) []byte {
	h := sha256.New()
	used := map[string]int{}
	for _, name := range sig.SignedHeaders {
		lk := strings.ToLower(name)
		// Find the next unused header with this name, starting at the bottom.
		n := used[lk]
		used[lk]++
		for i := len(hdrs) - 1; i >= 0; i-- {
			if hdrs[i].lkey != lk {
				continue
			}
			if n > 0 {
				n--
				continue
			}
			h.Write([]byte(relaxedHeader(hdrs[i].raw)))
			break
		}
	}
	h.Write([]byte(strings.TrimSuffix(relaxedHeader([]byte(sigHeader)), "\r\n")))
	return h.Sum(nil)
}

// Lookup looks up the DKIM TXT record and parses it.
//
// A requested record is <selector>._domainkey.<domain>. Exactly one valid DKIM
// record should be present.
func Lookup(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, selector, domain string) (rstatus Status, rrecord *Record, rtxt string, rerr error) {
	log := mlog.New("dkim", elog).WithContext(ctx)
	start := timeNow()
	defer func() {
		log.Debugx("dkim lookup result", rerr,
			slog.String("selector", selector),
			slog.String("domain", domain),
			slog.Any("status", rstatus),
			slog.Duration("duration", time.Since(start)))
	}()

	sd, err := dns.ParseDomain(selector)
	if err != nil {
		return StatusPermerror, nil, "", fmt.Errorf("%w: parsing selector: %v", ErrSyntax, err)
	}
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return StatusPermerror, nil, "", fmt.Errorf("%w: parsing domain: %v", ErrSyntax, err)
	}
	name := sd.ASCII + "._domainkey." + d.FQDN()
	records, _, err := resolver.LookupTXT(ctx, name)
	if dns.IsNotFound(err) {
		// ../rfc/6376:2608
		return StatusPermerror, nil, "", fmt.Errorf("%w: dns name %q", ErrNoRecord, name)
	} else if err != nil {
		return StatusTemperror, nil, "", fmt.Errorf("%w: dns name %q: %s", ErrDNS, name, err)
	}

	var record *Record
	var txt string
	err = fmt.Errorf("%w: dns name %q", ErrNoRecord, name)
	for _, s := range records {
		r, isdkim, perr := ParseRecord(s)
		if perr != nil && isdkim {
			return StatusPermerror, nil, s, fmt.Errorf("%w: %s", ErrSyntax, perr)
		} else if perr != nil {
			// Not claiming to be a DKIM record, ignored.
			continue
		}
		if record != nil {
			return StatusTemperror, nil, "", fmt.Errorf("%w: dns name %q", ErrMultipleRecords, name)
		}
		record = r
		txt = s
	}
	if record == nil {
		return StatusPermerror, nil, "", err
	}
	return StatusNeutral, record, txt, nil
}

// Verify verifies each DKIM-Signature header in msg, looking up the public keys
// through resolver. A message without signatures has no results.
//
// An error is only returned if the message header cannot be parsed.
func Verify(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, msg []byte) ([]Result, error) {
	log := mlog.New("dkim", elog).WithContext(ctx)

	hdrs, body, err := parseHeaders(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}

	var results []Result
	for _, h := range hdrs {
		if h.lkey != "dkim-signature" {
			continue
		}
		r := verifyOne(ctx, elog, resolver, h, hdrs, body)
		MetricVerify.IncLabels(string(r.Status))
		log.Debugx("dkim verify result", r.Err, slog.Any("status", r.Status))
		results = append(results, r)
	}
	return results, nil
}

func verifyOne(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, h header, hdrs []header, body []byte) Result {
	_, value, _ := strings.Cut(string(h.raw), ":")
	sig, err := parseSignature(value)
	if err != nil {
		return Result{StatusPermerror, nil, nil, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)}
	}
	if sig.AlgorithmHash != "sha256" {
		return Result{StatusPermerror, sig, nil, fmt.Errorf("%w: %q", ErrHashAlgorithm, sig.AlgorithmHash)}
	}
	if sig.Canonicalization != "relaxed/relaxed" {
		return Result{StatusPermerror, sig, nil, fmt.Errorf("%w: only relaxed/relaxed supported, got %q", ErrCanonicalization, sig.Canonicalization)}
	}
	signedFrom := false
	for _, name := range sig.SignedHeaders {
		signedFrom = signedFrom || strings.EqualFold(name, "from")
	}
	if !signedFrom {
		return Result{StatusPermerror, sig, nil, fmt.Errorf("%w: from header not signed", ErrFrom)}
	}

	status, record, _, err := Lookup(ctx, elog, resolver, sig.Selector, sig.Domain)
	if err != nil {
		return Result{status, sig, nil, err}
	}
	if record.PublicKey == nil {
		return Result{StatusPermerror, sig, record, ErrKeyRevoked}
	}
	if !strings.EqualFold(record.Key, sig.AlgorithmSign) {
		return Result{StatusPermerror, sig, record, fmt.Errorf("%w: record %q, signature %q", ErrSigAlgMismatch, record.Key, sig.AlgorithmSign)}
	}
	if !record.HashAllowed(sig.AlgorithmHash) {
		return Result{StatusPermerror, sig, record, fmt.Errorf("%w: %q not in record", ErrHashAlgorithm, sig.AlgorithmHash)}
	}

	bh := sha256.Sum256(relaxedBody(body))
	if !bytes.Equal(bh[:], sig.BodyHash) {
		return Result{StatusFail, sig, record, ErrBodyhashMismatch}
	}

	dh := dataHash(sig, hdrs, stripSignature(string(h.raw)))
	switch pk := record.PublicKey.(type) {
	case *rsa.PublicKey:
		err = rsa.VerifyPKCS1v15(pk, crypto.SHA256, dh, sig.Signature)
	case ed25519.PublicKey:
		if !ed25519.Verify(pk, dh, sig.Signature) {
			err = errors.New("ed25519 signature mismatch")
		}
	default:
		err = fmt.Errorf("unsupported public key %T", pk)
	}
	if err != nil {
		return Result{StatusFail, sig, record, fmt.Errorf("%w: %v", ErrSigVerify, err)}
	}
	return Result{StatusPass, sig, record, nil}
}
