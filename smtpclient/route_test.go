package smtpclient

import (
	"errors"
	"reflect"
	"testing"
)

func TestGroupRecipients(t *testing.T) {
	addrs := []string{
		"a@one.example",
		"Bob <b@Two.example>",
		"c@one.example",
		"d@three.example",
		"e@two.example",
	}
	groups, err := GroupRecipients(addrs)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	exp := []Group{
		{"one.example", []string{"a@one.example", "c@one.example"}},
		{"two.example", []string{"Bob <b@Two.example>", "e@two.example"}},
		{"three.example", []string{"d@three.example"}},
	}
	if !reflect.DeepEqual(groups, exp) {
		t.Fatalf("got groups %v, expected %v", groups, exp)
	}

	// Every address is in exactly one group.
	n := 0
	for _, g := range groups {
		n += len(g.Recipients)
	}
	if n != len(addrs) {
		t.Fatalf("got %d recipients in groups, expected %d", n, len(addrs))
	}

	if _, err := GroupRecipients([]string{"a@one.example", "nodomain"}); !errors.Is(err, ErrAddress) {
		t.Fatalf("got err %v, expected ErrAddress", err)
	}

	if groups, err := GroupRecipients(nil); err != nil || len(groups) != 0 {
		t.Fatalf("empty list: got %v %v", groups, err)
	}
}
