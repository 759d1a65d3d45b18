package dkim

import (
	"crypto/ed25519"
	"reflect"
	"testing"
)

func TestParseRecord(t *testing.T) {
	test := func(txt string, expRecord *Record, expIsDKIM, expErr bool) {
		t.Helper()
		r, isdkim, err := ParseRecord(txt)
		if (err != nil) != expErr || isdkim != expIsDKIM {
			t.Fatalf("parse %q: got isdkim %v, err %v, expected isdkim %v, err %v", txt, isdkim, err, expIsDKIM, expErr)
		}
		if expRecord != nil {
			r.PublicKey = nil
			if !reflect.DeepEqual(r, expRecord) {
				t.Fatalf("parse %q: got %#v, expected %#v", txt, r, expRecord)
			}
		}
	}

	pub := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	r := &Record{Version: "DKIM1", Hashes: []string{"sha256"}, Key: "ed25519", Flags: []string{"s"}, Pubkey: []byte(pub)}
	txt, err := r.ToTXT()
	tcheck(t, err, "to txt")
	test(txt, r, true, false)
	test(" v = DKIM1 ; k=ED25519 ; h=sha256 ; t=S; p="+txt[len(txt)-44:]+" ;", r, true, false)

	test("v=DKIM1;p=", &Record{Version: "DKIM1", Key: "rsa", Pubkey: []byte{}}, true, false)
	test("v=DKIM1;k=ed25519;p=AAAA", nil, true, true)
	test("v=DKIM1;k=unknown;p=AAAA", nil, true, true)
	test("v=DKIM1;k=ed25519", nil, true, true)
	test("v=spf1 -all", nil, false, true)
	test("not a record", nil, false, true)
	test("k=ed25519;v=DKIM1;p=", nil, false, true)
	test("v=DKIM1;v=DKIM1;p=", nil, false, true)

	if _, err := (&Record{Version: "DKIM2"}).ToTXT(); err == nil {
		t.Fatalf("no error for bad version")
	}
}

func TestKeys(t *testing.T) {
	for _, kind := range []string{"ed25519", "rsa"} {
		buf, err := GenerateKey(kind)
		tcheck(t, err, "generate key")
		key, err := ParseKey(buf)
		tcheck(t, err, "parse key")
		r, err := NewRecord(key)
		tcheck(t, err, "new record")
		txt, err := r.ToTXT()
		tcheck(t, err, "to txt")
		pr, isdkim, err := ParseRecord(txt)
		tcheck(t, err, "parse record")
		if !isdkim || pr.Key != kind || pr.PublicKey == nil {
			t.Fatalf("got record %#v for kind %s", pr, kind)
		}
	}

	if _, err := GenerateKey("dsa"); err == nil {
		t.Fatalf("no error for unknown key type")
	}
	if _, err := ParseKey([]byte("not pem")); err == nil {
		t.Fatalf("no error for bad pem")
	}
}
