package forward

import (
	"fmt"
	"regexp"
	"strings"

	"fwdbot/internal/storage"
	"fwdbot/internal/transport"
)

var (
	handleRe    = regexp.MustCompile(`^@[A-Za-z0-9_]{1,64}$`)
	numericIDRe = regexp.MustCompile(`^-[0-9]{1,20}$`)
)

// ValidDestination reports whether s is a channel handle (@name) or a
// negative numeric chat id.
func ValidDestination(s string) bool {
	return handleRe.MatchString(s) || numericIDRe.MatchString(s)
}

// ParseLines splits operator input into trimmed non-empty lines.
func ParseLines(text string) []string {
	var out []string
	for _, ln := range strings.Split(text, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

// NormalizeTimes parses, de-duplicates and truncates schedule entries,
// keeping input order. Unparseable entries are returned separately.
func NormalizeTimes(lines []string, limit int) (valid []Clock, rejected []string) {
	seen := map[Clock]bool{}
	for _, ln := range lines {
		c, err := ParseClock(ln)
		if err != nil {
			rejected = append(rejected, ln)
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		valid = append(valid, c)
	}
	if limit > 0 && len(valid) > limit {
		valid = valid[:limit]
	}
	return valid, rejected
}

func validateItem(it storage.Item) error {
	switch it.Kind {
	case "", transport.MediaText:
		if strings.TrimSpace(it.Content) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidItem)
		}
	case transport.MediaPhoto, transport.MediaVideo, transport.MediaDocument:
		if strings.TrimSpace(it.MediaRef) == "" {
			return fmt.Errorf("%w: %s without media ref", ErrInvalidItem, it.Kind)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidItem, it.Kind)
	}
	return nil
}

func payloadOf(it storage.Item) transport.Payload {
	kind := it.Kind
	if kind == "" {
		kind = transport.MediaText
	}
	return transport.Payload{Kind: kind, Text: it.Content, MediaRef: it.MediaRef}
}
