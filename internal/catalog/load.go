package catalog

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

//go:embed reference.json
var referenceJSON []byte

// go-playground/validator/v10: item schema lives in the struct tags.
var validate = validator.New()

// New validates items and builds a catalog that owns a copy of them.
func New(items []Item) (*Catalog, error) {
	seen := make(map[string]bool, len(items))
	cp := make([]Item, 0, len(items))
	for i, it := range items {
		if err := validate.Struct(it); err != nil {
			return nil, errors.Wrapf(err, "item %d (%q)", i, it.ID)
		}
		if seen[it.ID] {
			return nil, errors.Errorf("duplicate item id %q", it.ID)
		}
		seen[it.ID] = true
		cp = append(cp, it.clone())
	}
	return &Catalog{items: cp}, nil
}

// Reference returns the built-in five item catalog.
func Reference() *Catalog {
	items, err := decodeJSON(referenceJSON)
	if err != nil {
		panic(err)
	}
	c, err := New(items)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile reads a catalog from a JSON array (.json) or one item per line
// (.jsonl). An empty path returns the reference catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Reference(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}

	var items []Item
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		items, err = decodeJSONL(data)
	default:
		items, err = decodeJSON(data)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return New(items)
}

func decodeJSON(data []byte) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func decodeJSONL(data []byte) ([]Item, error) {
	var items []Item
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		items = append(items, it)
	}
	return items, sc.Err()
}
