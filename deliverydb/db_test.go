package deliverydb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestDB(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "deliveries.db")

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	defer func() {
		timeNow = time.Now
	}()

	db, err := Open(ctx, nil, path)
	tcheck(t, err, "open")

	a := &Delivery{MessageID: "1@mox.example", From: "mjl@mox.example", Domain: "a.example", Recipients: []string{"x@a.example", "y@a.example"}, Host: "mx.a.example", Success: true, Response: "2.0.0 bye", Duration: time.Second}
	b := &Delivery{MessageID: "1@mox.example", From: "mjl@mox.example", Domain: "b.example", Recipients: []string{"z@b.example"}, Permanent: true, Code: 550, Error: "no such user"}
	err = db.Add(ctx, a, b)
	tcheck(t, err, "add")
	if a.ID == 0 || b.ID == 0 || a.Time.IsZero() {
		t.Fatalf("id or time not set: %#v %#v", a, b)
	}
	c := &Delivery{MessageID: "2@mox.example", From: "mjl@mox.example", Domain: "a.example", Recipients: []string{"x@a.example"}, Error: "connection refused"}
	err = db.Add(ctx, c)
	tcheck(t, err, "add")

	err = db.Add(ctx, &Delivery{})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("got err %v, expected ErrInvalid", err)
	}

	test := func(f Filter, expIDs ...int64) {
		t.Helper()
		l, err := db.List(ctx, f)
		tcheck(t, err, "list")
		var ids []int64
		for _, d := range l {
			ids = append(ids, d.ID)
		}
		if len(ids) != len(expIDs) {
			t.Fatalf("filter %#v: got ids %v, expected %v", f, ids, expIDs)
		}
		for i := range ids {
			if ids[i] != expIDs[i] {
				t.Fatalf("filter %#v: got ids %v, expected %v", f, ids, expIDs)
			}
		}
	}
	test(Filter{}, c.ID, b.ID, a.ID)
	test(Filter{Limit: 1}, c.ID)
	test(Filter{Domain: "a.example"}, c.ID, a.ID)
	test(Filter{Failed: true}, c.ID, b.ID)
	test(Filter{Since: c.Time}, c.ID)
	test(Filter{Domain: "other.example"})

	err = db.Close()
	tcheck(t, err, "close")

	// Records are persisted.
	db, err = Open(ctx, nil, path)
	tcheck(t, err, "reopen")
	defer db.Close()
	l, err := db.List(ctx, Filter{Domain: "b.example"})
	tcheck(t, err, "list")
	if len(l) != 1 || l[0].Code != 550 || !l[0].Permanent || len(l[0].Recipients) != 1 || l[0].Recipients[0] != "z@b.example" {
		t.Fatalf("got %#v, expected delivery b", l)
	}
}
