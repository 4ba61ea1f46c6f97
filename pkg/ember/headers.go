package ember

import (
	"github.com/albertbausili/ember/internal/h1"
)

// Kind classifies a header list entry. Kinds are bit flags so lookups and
// visits can select several at once.
type Kind uint8

const (
	KindResponseHeader Kind = 1 << iota
	KindHeader
	KindCookie
	KindPostField
	KindGetArgument
	KindFooter
)

// KindAll matches every kind.
const KindAll = KindResponseHeader | KindHeader | KindCookie | KindPostField | KindGetArgument | KindFooter

type headerEntry struct {
	kind  Kind
	key   []byte
	value []byte
}

// headerList keeps entries in insertion order. Keys compare without case,
// values with case.
type headerList struct {
	entries []headerEntry
}

func (l *headerList) add(kind Kind, key, value []byte) {
	l.entries = append(l.entries, headerEntry{kind: kind, key: key, value: value})
}

// lookup returns the value of the first entry matching kinds and key.
func (l *headerList) lookup(kinds Kind, key string) ([]byte, bool) {
	for i := range l.entries {
		e := &l.entries[i]
		if e.kind&kinds != 0 && e.key != nil && h1.EqualFold(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

func (l *headerList) has(kinds Kind, key string) bool {
	_, ok := l.lookup(kinds, key)
	return ok
}

// iterate visits matching entries until fn returns false and returns the
// number of entries visited, including the one that stopped the walk.
func (l *headerList) iterate(kinds Kind, fn func(kind Kind, key, value []byte) bool) int {
	n := 0
	for i := range l.entries {
		e := &l.entries[i]
		if e.kind&kinds == 0 {
			continue
		}
		n++
		if fn != nil && !fn(e.kind, e.key, e.value) {
			break
		}
	}
	return n
}

// remove deletes the first entry whose key and value equal the arguments
// exactly.
func (l *headerList) remove(kinds Kind, key, value string) bool {
	for i := range l.entries {
		e := &l.entries[i]
		if e.kind&kinds != 0 && string(e.key) == key && string(e.value) == value {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *headerList) len() int { return len(l.entries) }

func (l *headerList) reset() {
	clear(l.entries)
	l.entries = l.entries[:0]
}

// validOutgoing reports whether key and value may be placed on the wire.
func validOutgoing(key, value string) bool {
	if key == "" || value == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '\r', '\n', '\t', ' ', ':':
			return false
		}
	}
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\r', '\n', '\t':
			return false
		}
	}
	return true
}
