package analyzer

import (
	"bufio"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
)

// DictProtocol selects how a Dict's Value is interpreted.
type DictProtocol int

const (
	// DictJSON treats Value as a JSON array of strings.
	DictJSON DictProtocol = iota
	// DictFile treats Value as a path to a newline-delimited file.
	DictFile
)

// Dict names a stopword or synonym source. Synonym lines are tab-separated
// groups of interchangeable terms; stopword lines/entries are single
// tokens. Dictionaries load from inline JSON or a local file only; a
// dict loader has no business owning an HTTP client.
type Dict struct {
	Name     string
	Protocol DictProtocol
	Value    string
}

func loadLines(d *Dict) ([]string, error) {
	if d == nil {
		return nil, nil
	}
	switch d.Protocol {
	case DictJSON:
		var arr []string
		if err := json.Unmarshal([]byte(d.Value), &arr); err != nil {
			return nil, calmerr.Wrap(calmerr.InvalidParam, "analyzer: dict "+d.Name+" is not a json string array", err)
		}
		return arr, nil
	case DictFile:
		f, err := os.Open(d.Value)
		if err != nil {
			return nil, calmerr.Wrap(calmerr.InvalidParam, "analyzer: dict "+d.Name+" can't open file", err)
		}
		defer f.Close()
		var lines []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, calmerr.Wrap(calmerr.InvalidParam, "analyzer: dict "+d.Name+" can't read file", err)
		}
		return lines, nil
	default:
		return nil, calmerr.Newf(calmerr.InvalidParam, "analyzer: dict %s has unknown protocol", d.Name)
	}
}

func loadSet(d *Dict) (map[string]struct{}, error) {
	lines, err := loadLines(d)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[l] = struct{}{}
	}
	return set, nil
}

func loadSynonyms(d *Dict) (map[string][]string, error) {
	lines, err := loadLines(d)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]string)
	for _, line := range lines {
		group := strings.Split(line, "\t")
		for _, term := range group {
			result[term] = group
		}
	}
	return result, nil
}
