package streamable

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SourceMask selects where an asset may be fetched from.
type SourceMask uint8

const (
	SourceLocal SourceMask = 1 << iota
	SourceRemote

	SourceAll = SourceLocal | SourceRemote
)

// Has reports whether m permits every source in s.
func (m SourceMask) Has(s SourceMask) bool {
	return m&s == s
}

func (m SourceMask) String() string {
	switch m {
	case 0:
		return "none"
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceAll:
		return "all"
	default:
		return "mask(" + strconv.Itoa(int(m)) + ")"
	}
}

// Intention describes a load. Two intentions with the same Key share one
// fetch. The requesting context is not part of the intention.
type Intention struct {
	URL     string
	Sources SourceMask
}

// Key returns the de-duplication key: the NFC-normalized URL plus the
// permitted sources. A zero mask means every source.
func (i Intention) Key() string {
	sources := i.Sources
	if sources == 0 {
		sources = SourceAll
	}
	return norm.NFC.String(strings.TrimSpace(i.URL)) + "#" + strconv.Itoa(int(sources))
}
