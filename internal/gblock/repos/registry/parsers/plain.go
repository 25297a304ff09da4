package parsers

import (
	"bufio"
	"io"
	"strings"

	logpkg "github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/common/utils"
)

// Entry is one target read from a plain list.
type Entry struct {
	Line int
	// Target is the normalised display form: an address, a masked CIDR or
	// a canonical account name.
	Target     string
	Account    bool
	RangeStart string
	RangeEnd   string
}

// ParsePlainList parses a newline-delimited list of block targets.
//
// Behavior:
//   - '#' starts a comment, whole-line or inline
//   - a line whose text parses as an address is an address or range target
//     and must satisfy the codec's range limits; anything else is an account
//   - invalid addresses are skipped, not fatal
//   - duplicates are dropped, first occurrence wins
func ParsePlainList(r io.Reader, codec *rangecodec.Codec, logger logpkg.Logger) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	out := make([]Entry, 0, 64)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimPrefix(scanner.Text(), "\uFEFF")
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}

		e, ok := parseEntry(raw, codec)
		if !ok {
			logger.Debug(map[string]any{"line": lineNum, "raw": raw}, "skip_invalid_target")
			continue
		}
		if _, dup := seen[e.Target]; dup {
			logger.Debug(map[string]any{"line": lineNum, "target": e.Target}, "skip_duplicate")
			continue
		}
		seen[e.Target] = struct{}{}
		e.Line = lineNum
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	logger.Debug(map[string]any{"count": len(out)}, "parse_plain_list_done")
	return out, nil
}

func parseEntry(raw string, codec *rangecodec.Codec) (Entry, bool) {
	if !rangecodec.LooksLikeAddress(raw) {
		name := utils.CanonicalAccountName(raw)
		return Entry{Target: name, Account: true}, name != ""
	}
	start, end, err := codec.RangeBounds(raw)
	if err != nil {
		return Entry{}, false
	}
	target, err := rangecodec.Normalize(raw)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Target: target, RangeStart: start, RangeEnd: end}, true
}
