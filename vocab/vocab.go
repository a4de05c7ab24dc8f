// Package vocab loads token-per-line vocabulary files and derives dataset
// label counts for classification runs.
package vocab

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/data"
)

// Vocab maps tokens to contiguous ids, in file order.
type Vocab struct {
	tokens []string
	ids    map[string]int32
}

// Load reads a vocabulary file with one token per line. Blank lines are
// skipped; duplicate tokens are an error.
func Load(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening vocabulary file %q", path)
	}
	defer func() { _ = f.Close() }()

	v := &Vocab{ids: make(map[string]int32)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r\n")
		if token == "" {
			continue
		}
		if _, dup := v.ids[token]; dup {
			return nil, errors.Errorf("duplicate token %q in vocabulary %q", token, path)
		}
		v.ids[token] = int32(len(v.tokens))
		v.tokens = append(v.tokens, token)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading vocabulary file %q", path)
	}
	if len(v.tokens) == 0 {
		return nil, errors.Errorf("vocabulary %q is empty", path)
	}
	return v, nil
}

// Size returns the number of tokens.
func (v *Vocab) Size() int { return len(v.tokens) }

// ID returns the id of a token, or -1 when the token is unknown.
func (v *Vocab) ID(token string) int32 {
	if id, found := v.ids[token]; found {
		return id
	}
	return -1
}

// Token returns the token of an id.
func (v *Vocab) Token(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.tokens) {
		return "", errors.Errorf("token id %d out of range [0, %d)", id, len(v.tokens))
	}
	return v.tokens[id], nil
}

// CountLabels scans a classification dataset and returns the number of
// distinct label values, so the classifier head can be sized without the user
// passing a labels count.
func CountLabels(datasetPath string) (int, error) {
	records, err := data.ReadRecords(datasetPath)
	if err != nil {
		return 0, err
	}
	labels := make(map[int32]bool)
	for _, record := range records {
		if len(record.Targets) == 0 || len(record.Targets[0]) == 0 {
			return 0, errors.Errorf("dataset %q has a record without a label", datasetPath)
		}
		labels[record.Targets[0][0]] = true
	}
	if len(labels) == 0 {
		return 0, errors.Errorf("dataset %q has no records", datasetPath)
	}
	return len(labels), nil
}
