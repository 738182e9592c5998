package nntp

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"newshound/internal/testsupport"
)

func dialTest(t *testing.T, respond testsupport.Responder) *Client {
	t.Helper()
	host, port := testsupport.StartNNTPServer(t, respond)
	client, err := Dial(Options{Host: host, Port: port})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSelectGroupParsesStatus(t *testing.T) {
	client := dialTest(t, func(command string) (string, []string) {
		if command == "GROUP alt.binaries.test" {
			return "211 42 100 141 alt.binaries.test", nil
		}
		return "", nil
	})

	status, err := client.SelectGroup("alt.binaries.test")
	if err != nil {
		t.Fatalf("SelectGroup() error = %v", err)
	}
	want := GroupStatus{Count: 42, First: 100, Last: 141, Name: "alt.binaries.test"}
	if status != want {
		t.Errorf("SelectGroup() = %+v, want %+v", status, want)
	}
}

func TestDialAuthenticates(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	host, port := testsupport.StartNNTPServer(t, func(command string) (string, []string) {
		mu.Lock()
		seen = append(seen, command)
		mu.Unlock()
		switch command {
		case "AUTHINFO USER reader":
			return "381 password required", nil
		case "AUTHINFO PASS secret":
			return "281 authenticated", nil
		}
		return "", nil
	})

	client, err := Dial(Options{Host: host, Port: port, Username: "reader", Password: "secret"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !strings.HasPrefix(seen[0], "AUTHINFO USER") || !strings.HasPrefix(seen[1], "AUTHINFO PASS") {
		t.Errorf("auth exchange = %v", seen)
	}
}

func TestDialFailsOnBadCredentials(t *testing.T) {
	host, port := testsupport.StartNNTPServer(t, func(command string) (string, []string) {
		if strings.HasPrefix(command, "AUTHINFO USER") {
			return "481 authentication rejected", nil
		}
		return "", nil
	})

	_, err := Dial(Options{Host: host, Port: port, Username: "reader"})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Dial() error = %v, want ProtocolError", err)
	}
}

func TestOverviewParsesEntries(t *testing.T) {
	client := dialTest(t, func(command string) (string, []string) {
		if command == "XOVER 1-2" {
			return "224 overview follows", []string{
				"1\tFoo (1/2)\ta@x\tMon, 01 Jan 2024\t<1@x>\t\t1000\t8\txref",
				"2\tFoo (2/2)\ta@x\tTue, 02 Jan 2024\t<2@x>\t\t1001\t8",
			}
		}
		return "", nil
	})

	entries, err := client.Overview(1, 2)
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	first := entries[0]
	if first.Article != 1 || first.Subject != "Foo (1/2)" || first.From != "a@x" ||
		first.MessageID != "<1@x>" || first.Bytes != 1000 || first.Xref != "xref" {
		t.Errorf("first entry = %+v", first)
	}
	if entries[1].Xref != "" {
		t.Errorf("short line Xref = %q, want empty", entries[1].Xref)
	}
}

func TestOverviewEmptyRange(t *testing.T) {
	client := dialTest(t, func(command string) (string, []string) {
		if strings.HasPrefix(command, "XOVER") {
			return "224 overview follows", []string{}
		}
		return "", nil
	})

	entries, err := client.Overview(5, 4)
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestBodyUnescapesDotStuffing(t *testing.T) {
	client := dialTest(t, func(command string) (string, []string) {
		if command == "BODY <1@x>" {
			return "222 body follows", []string{"first", ".stuffed"}
		}
		return "", nil
	})

	lines, err := client.Body("<1@x>")
	if err != nil {
		t.Fatalf("Body() error = %v", err)
	}
	if len(lines) != 2 || lines[0] != "first" || lines[1] != ".stuffed" {
		t.Errorf("Body() = %v", lines)
	}
}

func TestListParsesGroups(t *testing.T) {
	client := dialTest(t, func(command string) (string, []string) {
		if command == "LIST" {
			return "215 list follows", []string{
				"alt.binaries.test 900 100 y",
				"misc.discussion 5 1 m",
			}
		}
		return "", nil
	})

	groups, err := client.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	want := Group{Name: "alt.binaries.test", High: 900, Low: 100, Flags: "y"}
	if groups[0] != want {
		t.Errorf("groups[0] = %+v, want %+v", groups[0], want)
	}
}

func TestStatMissingArticle(t *testing.T) {
	client := dialTest(t, func(command string) (string, []string) {
		if strings.HasPrefix(command, "STAT") {
			return "430 no such article", nil
		}
		return "", nil
	})

	if _, err := client.Stat("<missing@x>"); err == nil {
		t.Fatal("Stat() error = nil, want failure status")
	}
	if _, err := client.Stat("<missing@x>"); err == nil {
		t.Fatal("Stat() after failure should still report failure, not a dead connection")
	}
}

func TestStripArticleHeaders(t *testing.T) {
	lines := []string{"Subject: foo", "From: a@x", "", "body line", ".dot"}
	body := StripArticleHeaders(lines)
	if len(body) != 2 || body[0] != "body line" {
		t.Errorf("StripArticleHeaders() = %v", body)
	}

	noBlank := []string{"just", "body"}
	if got := StripArticleHeaders(noBlank); len(got) != 2 {
		t.Errorf("StripArticleHeaders(no blank) = %v", got)
	}
}
