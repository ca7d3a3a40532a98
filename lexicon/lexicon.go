// Package lexicon loads the static text the bot speaks from: the advice lines
// broadcast periodically to the channel and the per-user relation tags passed
// to the NLP endpoint.
//
// Both files are read once at startup. Nothing here watches or reloads them.
package lexicon

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrLoad is wrapped by every file read failure.
var ErrLoad = errors.New("lexicon load failed")

var lineBreak = regexp.MustCompile(`\r?\n`)

// AdviceList is the ordered list of non-empty advice lines.
type AdviceList []string

// RelationMap maps a speaker login to its relation tag.
type RelationMap map[string]string

// ParseAdviceList splits content on line breaks and drops empty lines.
func ParseAdviceList(content string) AdviceList {
	lines := lineBreak.Split(content, -1)
	out := make(AdviceList, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// ParseRelationMap keeps a line only when splitting it on "=" yields exactly
// two non-empty fields. Anything else is skipped.
func ParseRelationMap(content string) RelationMap {
	out := RelationMap{}
	for _, l := range lineBreak.Split(content, -1) {
		kv := strings.Split(l, "=")
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// LoadAdviceList reads path and parses it with ParseAdviceList.
func LoadAdviceList(path string) (AdviceList, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: advice file %s: %w", ErrLoad, path, err)
	}
	return ParseAdviceList(string(b)), nil
}

// LoadRelationMap reads path and parses it with ParseRelationMap.
func LoadRelationMap(path string) (RelationMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: relations file %s: %w", ErrLoad, path, err)
	}
	return ParseRelationMap(string(b)), nil
}

// Lexicon holds both loaded sources. It is immutable after Load and safe for
// concurrent readers.
type Lexicon struct {
	advice    AdviceList
	relations RelationMap
}

// New builds a Lexicon from already parsed data.
func New(advice AdviceList, relations RelationMap) *Lexicon {
	if relations == nil {
		relations = RelationMap{}
	}
	return &Lexicon{advice: advice, relations: relations}
}

// Load reads the advice and relation files.
func Load(advicePath, relationsPath string) (*Lexicon, error) {
	advice, err := LoadAdviceList(advicePath)
	if err != nil {
		return nil, err
	}
	relations, err := LoadRelationMap(relationsPath)
	if err != nil {
		return nil, err
	}
	return New(advice, relations), nil
}

// Advice returns the advice lines. Callers must not modify the slice.
func (l *Lexicon) Advice() []string {
	if l == nil {
		return nil
	}
	return l.advice
}

// Relation returns the relation tag for login, if any.
func (l *Lexicon) Relation(login string) (string, bool) {
	if l == nil {
		return "", false
	}
	v, ok := l.relations[login]
	return v, ok
}

// RelationCount reports how many relation entries were loaded.
func (l *Lexicon) RelationCount() int {
	if l == nil {
		return 0
	}
	return len(l.relations)
}
