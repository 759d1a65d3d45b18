package dkim

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/mlog"
)

var pkglog = mlog.New("dkim", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

const testMsg = "From: <mjl@mox.example>\r\n" +
	"To: <a@remote.example>\r\n" +
	"Subject: test\r\n" +
	"  folded\r\n" +
	"Message-ID: <1@mox.example>\r\n" +
	"X-Unsigned: x\r\n" +
	"\r\n" +
	"hi  there \r\n" +
	"\r\n" +
	"\r\n"

func testResolver(t *testing.T, sel Selector) dns.MockResolver {
	t.Helper()
	r, err := NewRecord(sel.Key)
	tcheck(t, err, "new record")
	txt, err := r.ToTXT()
	tcheck(t, err, "record to txt")
	return dns.MockResolver{
		TXT: map[string][]string{
			sel.Domain + "._domainkey.mox.example.": {"not dkim", txt},
		},
	}
}

func TestSignVerify(t *testing.T) {
	timeNow = func() time.Time {
		return time.Unix(1700000000, 0)
	}
	defer func() {
		timeNow = time.Now
	}()

	ctx := context.Background()

	edkey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	rsabuf, err := GenerateKey("rsa")
	tcheck(t, err, "generate rsa key")
	rsakey, err := ParseKey(rsabuf)
	tcheck(t, err, "parse rsa key")

	for _, sel := range []Selector{
		{Domain: "ed", Key: edkey},
		{Domain: "rsa", Key: rsakey, Hash: "sha256", Headers: []string{"From", "Subject", "To"}},
	} {
		resolver := testResolver(t, sel)

		sigh, err := Sign(ctx, pkglog.Logger, sel, "mox.example", []byte(testMsg))
		tcheck(t, err, "sign")
		if strings.HasSuffix(sigh, "\r\n") || !strings.HasPrefix(sigh, "DKIM-Signature: v=1; d=mox.example; s="+sel.Domain+";") {
			t.Fatalf("bad signature header %q", sigh)
		}
		if !strings.Contains(sigh, "c=relaxed/relaxed;") || !strings.Contains(sigh, "t=1700000000;") {
			t.Fatalf("missing parameters in %q", sigh)
		}
		for _, line := range strings.Split(sigh, "\r\n") {
			if len(line) > 78 {
				t.Fatalf("signature header line too long: %q", line)
			}
		}

		// Signature prepended as done for delivery.
		msg := sigh + "\r\n" + testMsg
		results, err := Verify(ctx, pkglog.Logger, resolver, []byte(msg))
		tcheck(t, err, "verify")
		if len(results) != 1 || results[0].Status != StatusPass {
			t.Fatalf("got results %#v, expected single pass", results)
		}
		if !strings.Contains(strings.Join(results[0].Sig.SignedHeaders, ":"), "From") {
			t.Fatalf("from not signed: %v", results[0].Sig.SignedHeaders)
		}

		// Changes in whitespace are allowed with relaxed canonicalization.
		relaxed := strings.Replace(msg, "Subject: test", "Subject:   test ", 1)
		relaxed = strings.Replace(relaxed, "hi  there \r\n", "hi there\r\n", 1)
		relaxed += "\r\n"
		results, err = Verify(ctx, pkglog.Logger, resolver, []byte(relaxed))
		tcheck(t, err, "verify")
		if len(results) != 1 || results[0].Status != StatusPass {
			t.Fatalf("relaxed changes: got results %#v, expected pass", results)
		}

		// Unsigned header can change.
		unsigned := strings.Replace(msg, "X-Unsigned: x", "X-Unsigned: y", 1)
		results, _ = Verify(ctx, pkglog.Logger, resolver, []byte(unsigned))
		if len(results) != 1 || results[0].Status != StatusPass {
			t.Fatalf("unsigned header change: got results %#v, expected pass", results)
		}

		// Body change.
		changed := strings.Replace(msg, "hi  there", "bye there", 1)
		results, _ = Verify(ctx, pkglog.Logger, resolver, []byte(changed))
		if len(results) != 1 || results[0].Status != StatusFail || !errors.Is(results[0].Err, ErrBodyhashMismatch) {
			t.Fatalf("body change: got results %#v, expected body hash mismatch", results)
		}

		// Signed header change.
		changed = strings.Replace(msg, "Subject: test", "Subject: other", 1)
		results, _ = Verify(ctx, pkglog.Logger, resolver, []byte(changed))
		if len(results) != 1 || results[0].Status != StatusFail || !errors.Is(results[0].Err, ErrSigVerify) {
			t.Fatalf("header change: got results %#v, expected signature failure", results)
		}

		// Added From header.
		changed = strings.Replace(msg, "To: ", "From: <evil@remote.example>\r\nTo: ", 1)
		results, _ = Verify(ctx, pkglog.Logger, resolver, []byte(changed))
		if len(results) != 1 || results[0].Status != StatusFail {
			t.Fatalf("added from: got results %#v, expected failure", results)
		}
	}
}

func TestSignErrors(t *testing.T) {
	ctx := context.Background()
	sel := Selector{Domain: "ed", Key: ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))}

	test := func(sel Selector, domain, msg string, expErr error) {
		t.Helper()
		_, err := Sign(ctx, pkglog.Logger, sel, domain, []byte(msg))
		if !errors.Is(err, ErrSign) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected ErrSign and %v", err, expErr)
		}
	}
	test(sel, "mox.example", "Subject: no from\r\n\r\nbody\r\n", ErrFrom)
	test(sel, "mox.example", "From: <a@mox.example>\r\nFrom: <b@mox.example>\r\n\r\n", ErrFrom)
	test(sel, "mox.example", "From: <a@mox.example>\r\nno separator", ErrHeaderMalformed)
	test(Selector{Domain: "ed", Key: sel.Key, Hash: "sha1"}, "mox.example", testMsg, ErrHashAlgorithm)
	test(sel, "bad domain", testMsg, nil)
}

func TestVerifyErrors(t *testing.T) {
	ctx := context.Background()
	sel := Selector{Domain: "ed", Key: ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))}
	sigh, err := Sign(ctx, pkglog.Logger, sel, "mox.example", []byte(testMsg))
	tcheck(t, err, "sign")
	msg := []byte(sigh + "\r\n" + testMsg)

	// No record.
	results, err := Verify(ctx, pkglog.Logger, dns.MockResolver{}, msg)
	tcheck(t, err, "verify")
	if len(results) != 1 || results[0].Status != StatusPermerror || !errors.Is(results[0].Err, ErrNoRecord) {
		t.Fatalf("got %#v, expected permerror for missing record", results)
	}

	// Temporary DNS failure.
	results, _ = Verify(ctx, pkglog.Logger, dns.MockResolver{Fail: []string{"txt ed._domainkey.mox.example."}}, msg)
	if len(results) != 1 || results[0].Status != StatusTemperror {
		t.Fatalf("got %#v, expected temperror", results)
	}

	// Revoked key.
	revoked := dns.MockResolver{TXT: map[string][]string{"ed._domainkey.mox.example.": {"v=DKIM1;k=ed25519;p="}}}
	results, _ = Verify(ctx, pkglog.Logger, revoked, msg)
	if len(results) != 1 || !errors.Is(results[0].Err, ErrKeyRevoked) {
		t.Fatalf("got %#v, expected revoked key", results)
	}

	// Malformed signature header.
	results, _ = Verify(ctx, pkglog.Logger, dns.MockResolver{}, []byte("DKIM-Signature: v=1; bogus\r\n"+testMsg))
	if len(results) != 1 || results[0].Status != StatusPermerror || results[0].Sig != nil {
		t.Fatalf("got %#v, expected permerror without sig", results)
	}

	// No signatures.
	results, err = Verify(ctx, pkglog.Logger, dns.MockResolver{}, []byte(testMsg))
	if err != nil || len(results) != 0 {
		t.Fatalf("got %v %v, expected no results", results, err)
	}
}

func TestCanonicalization(t *testing.T) {
	// Example from ../rfc/6376:1340
	if s := relaxedHeader([]byte("A: X\r\n")) + relaxedHeader([]byte("B : Y\t\r\n\tZ  \r\n")); s != "a:X\r\nb:Y Z\r\n" {
		t.Fatalf("relaxed header: got %q", s)
	}
	if s := string(relaxedBody([]byte(" C \r\nD \t E\r\n\r\n\r\n"))); s != " C\r\nD E\r\n" {
		t.Fatalf("relaxed body: got %q", s)
	}
	if s := relaxedBody(nil); len(s) != 0 {
		t.Fatalf("relaxed empty body: got %q", s)
	}
	if s := string(relaxedBody([]byte("no crlf"))); s != "no crlf\r\n" {
		t.Fatalf("relaxed body without crlf: got %q", s)
	}

	hdrs, body, err := parseHeaders([]byte(testMsg))
	tcheck(t, err, "parse headers")
	if len(hdrs) != 5 || hdrs[2].lkey != "subject" || string(hdrs[2].raw) != "Subject: test\r\n  folded\r\n" {
		t.Fatalf("got headers %#v", hdrs)
	}
	if string(body) != "hi  there \r\n\r\n\r\n" {
		t.Fatalf("got body %q", body)
	}

	if s := stripSignature("DKIM-Signature: v=1; bh=abc; b=de\r\n\tfg; x=1\r\n"); s != "DKIM-Signature: v=1; bh=abc; b=; x=1\r\n" {
		t.Fatalf("strip signature: got %q", s)
	}
}
