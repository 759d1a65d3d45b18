package message

import (
	"bytes"
	"errors"
	"mime"
	"net/mail"
	"reflect"
	"strings"
	"testing"
	"time"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestCompose(t *testing.T) {
	m := Mail{
		From:      "Mechiel <mjl@mox.example>",
		To:        []string{"a@remote.example, Bob <b@other.example>"},
		Cc:        []string{"c@remote.example"},
		Bcc:       []string{"hidden@remote.example"},
		Subject:   "test",
		Text:      "hi\nbye\n",
		Headers:   [][2]string{{"X-Mailer", "sendmx"}},
		Date:      time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		MessageID: "abc@mox.example",
	}
	msg, err := Compose(m)
	tcheck(t, err, "compose")

	exp := strings.Join([]string{
		`From: "Mechiel" <mjl@mox.example>`,
		`To: <a@remote.example>, "Bob" <b@other.example>`,
		`Cc: <c@remote.example>`,
		`Subject: test`,
		`Date: Fri, 1 Mar 2024 12:30:00 +0000`,
		`Message-ID: <abc@mox.example>`,
		`X-Mailer: sendmx`,
		`MIME-Version: 1.0`,
		`Content-Type: text/plain; charset=us-ascii`,
		`Content-Transfer-Encoding: 7bit`,
		``,
		`hi`,
		`bye`,
		``,
	}, "\r\n")
	if string(msg) != exp {
		t.Fatalf("got:\n%s\nexpected:\n%s", msg, exp)
	}

	// Header must be parsable, and end with an empty line.
	end := bytes.Index(msg, []byte("\r\n\r\n"))
	if end < 0 {
		t.Fatalf("no header separator")
	}
	hdrs := msg[:end+2]
	if _, err := mail.ReadMessage(bytes.NewReader(msg)); err != nil {
		t.Fatalf("parsing composed message: %v", err)
	}
	if bytes.Contains(hdrs, []byte("hidden")) {
		t.Fatalf("bcc address in message header")
	}

	rcpts := m.Recipients()
	expRcpts := []string{"a@remote.example", "b@other.example", "c@remote.example", "hidden@remote.example"}
	if !reflect.DeepEqual(rcpts, expRcpts) {
		t.Fatalf("got recipients %v, expected %v", rcpts, expRcpts)
	}
}

func TestComposeGenerated(t *testing.T) {
	msg, err := Compose(Mail{
		From: "mjl@mox.example",
		To:   []string{"a@remote.example"},
		// Decomposed é, normalized to a single rune.
		Subject: "café ☺",
		Text:    strings.Repeat("long line ", 10) + "\ncafé\n",
	})
	tcheck(t, err, "compose")

	m, err := mail.ReadMessage(bytes.NewReader(msg))
	tcheck(t, err, "parse")
	if id := m.Header.Get("Message-ID"); !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@mox.example>") {
		t.Fatalf("bad generated message-id %q", id)
	}
	if _, err := m.Header.Date(); err != nil {
		t.Fatalf("parsing date header: %v", err)
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(m.Header.Get("Subject"))
	tcheck(t, err, "decode subject")
	if subject != "caf\u00e9 \u263a" {
		t.Fatalf("got subject %q", subject)
	}
	if cte := m.Header.Get("Content-Transfer-Encoding"); cte != "quoted-printable" {
		t.Fatalf("got cte %q, expected quoted-printable for long line", cte)
	}
	if ct := m.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("got content-type %q", ct)
	}
}

func TestComposeErrors(t *testing.T) {
	test := func(m Mail) {
		t.Helper()
		_, err := Compose(m)
		if !errors.Is(err, ErrCompose) {
			t.Fatalf("got err %v, expected ErrCompose", err)
		}
	}
	test(Mail{From: "", To: []string{"a@remote.example"}})
	test(Mail{From: "a@remote.example, b@remote.example"})
	test(Mail{From: "mjl@mox.example", To: []string{"not an address <"}})
	test(Mail{From: "mjl@mox.example", Headers: [][2]string{{"Bad: name", "x"}}})
}

func TestComposerMaxSize(t *testing.T) {
	var b bytes.Buffer
	c := NewComposer(&b, 10, false)
	defer func() {
		x := recover()
		err, ok := x.(error)
		if !ok || !errors.Is(err, ErrMessageSize) || !errors.Is(err, ErrCompose) {
			t.Fatalf("got panic %v, expected ErrMessageSize", x)
		}
	}()
	c.Header("Subject", "this does not fit")
	t.Fatalf("no panic for message too large")
}

func TestRecipients(t *testing.T) {
	m := Mail{
		To:  []string{`"Doe, John" <john@remote.example>, other@remote.example`},
		Cc:  []string{"", "Ann <ann@other.example>"},
		Bcc: []string{"hidden@remote.example, <x@other.example"},
	}
	rcpts := m.Recipients()
	// The malformed bcc value falls back to splitting on commas.
	expRcpts := []string{"john@remote.example", "other@remote.example", "ann@other.example", "hidden@remote.example", "x@other.example"}
	if !reflect.DeepEqual(rcpts, expRcpts) {
		t.Fatalf("got recipients %v, expected %v", rcpts, expRcpts)
	}
}
