package parsers

import (
	"errors"
	"strings"
	"testing"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
)

func TestParsePlainList_Basics(t *testing.T) {
	input := "\uFEFF# open proxies\n" +
		"1.2.3.4\n" +
		"1.2.3.0/24   # datacenter\n" +
		"1.2.3.7/24\n" + // same network as above once masked
		"\n" +
		"2001:db8::/32\n" +
		"some_vandal\n" +
		"Some vandal\n" +
		"1.0.0.0/8\n" + // wider than the limit
		"1.2.3.4/99\n" +
		"   1.2.3.4  \n"

	got, err := ParsePlainList(strings.NewReader(input), rangecodec.Default(), log.NewNoopLogger())
	if err != nil {
		t.Fatalf("ParsePlainList returned error: %v", err)
	}
	want := []Entry{
		{Line: 2, Target: "1.2.3.4", RangeStart: "01020304", RangeEnd: "01020304"},
		{Line: 3, Target: "1.2.3.0/24", RangeStart: "01020300", RangeEnd: "010203FF"},
		{Line: 6, Target: "2001:db8::/32", RangeStart: "v6-20010DB8000000000000000000000000", RangeEnd: "v6-20010DB8FFFFFFFFFFFFFFFFFFFFFFFF"},
		{Line: 7, Target: "Some vandal", Account: true},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %#v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParsePlainList_EmptyAndCommentsOnly(t *testing.T) {
	got, err := ParsePlainList(strings.NewReader("# nothing\n\n   # here\n"), rangecodec.Default(), log.NewNoopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %#v", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestParsePlainList_ReaderError(t *testing.T) {
	if _, err := ParsePlainList(failingReader{}, rangecodec.Default(), log.NewNoopLogger()); err == nil {
		t.Fatalf("expected scanner error")
	}
}
