package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short request id: base36 time, sequence and two random chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	suffix := []byte{alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))]}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + string(suffix)
}

// tokenize splits command text into tokens, honouring quotes and backslash escapes.
//
//	/cmd a "b c" --k=v
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and flags.
//
//	--k=v, --k v, --flag (bool)
//	-k=v, -k v, -abc (bool flags a,b,c)
//
// Names in boolOnly never consume the following token.
func parseFlags(args []string, boolOnly map[string]bool) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	takesValue := func(key string, i int) bool {
		return !boolOnly[key] && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-")
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		var key string
		switch {
		case strings.HasPrefix(a, "--") && len(a) > 2:
			key = a[2:]
		case strings.HasPrefix(a, "-") && len(a) > 1:
			key = a[1:]
			if !strings.Contains(key, "=") && len(key) > 1 && !boolOnly[key] {
				for j := 0; j < len(key); j++ {
					bools[string(key[j])] = true
				}
				continue
			}
		default:
			pos = append(pos, a)
			continue
		}
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if takesValue(key, i) {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// commandWord extracts the command name from "/name@BotName".
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") || len(tok) < 2 {
		return "", false
	}
	word := tok[1:]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), word != ""
}
