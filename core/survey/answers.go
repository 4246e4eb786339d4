package survey

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RowCounter returns the next free row ordinal for the (parent attribute, field) pair;
// parentID is empty for top-level rows. Ordinals are append-only: never reused after a deletion.
type RowCounter func(parentID, fieldKey string) int

type attrBuilder struct {
	resp    Response
	now     time.Time
	counter RowCounter
	next    map[[2]string]int
	attrs   []Attribute
}

// BuildAttributes turns validated answers into the attribute tree of resp, in insertion order:
// one attribute per leaf answer and, for every sub-form row, a row-parent attribute followed by
// the row's own attributes. counter may be nil for a new Response (every ordinal starts at 0).
func BuildAttributes(schema *Schema, resp Response, answers Answers, now time.Time, counter RowCounter) ([]Attribute, error) {
	b := &attrBuilder{
		resp:    resp,
		now:     now,
		counter: counter,
		next:    make(map[[2]string]int),
	}
	if err := b.build(schema, answers, ""); err != nil {
		return nil, err
	}
	return b.attrs, nil
}

func (b *attrBuilder) build(schema *Schema, answers Answers, parentID string) error {
	for _, sf := range schema.Fields {
		val, ok := answers[sf.Key]
		if !ok {
			continue
		}

		if nk, isForm := sf.Kind.(NestedFormKind); isForm {
			rows, ok := val.([]Answers)
			if !ok {
				return errors.Errorf("building attributes: %s: unexpected rows %T", sf.Key, val)
			}
			for _, row := range rows {
				rowParent := b.add(sf, parentID, nil, b.nextRow(parentID, sf.Key))
				if err := b.build(nk.Child, row, rowParent.ID); err != nil {
					return err
				}
			}
			continue
		}

		value, err := json.Marshal(val)
		if err != nil {
			return errors.Wrapf(err, "encoding answer %s", sf.Key)
		}
		b.add(sf, parentID, value, 0)
	}
	return nil
}

func (b *attrBuilder) nextRow(parentID, fieldKey string) int {
	k := [2]string{parentID, fieldKey}
	row, ok := b.next[k]
	if !ok && b.counter != nil {
		row = b.counter(parentID, fieldKey)
	}
	b.next[k] = row + 1
	return row
}

func (b *attrBuilder) add(sf SchemaField, parentID string, value json.RawMessage, row int) Attribute {
	attr := Attribute{
		ID:         uuid.New().String(),
		ResponseID: b.resp.ID,
		ParentID:   parentID,
		FieldID:    sf.ID,
		FieldKey:   sf.Key,
		Type:       sf.Type,
		Name:       sf.Name,
		Value:      value,
		Row:        row,
		Seq:        len(b.attrs),
		CreatedAt:  b.now,
	}
	b.attrs = append(b.attrs, attr)
	return attr
}

// ReadAnswers rebuilds the answer set of a Response by walking its attribute tree.
// Sub-form rows come back ordered by their row ordinal.
func ReadAnswers(attrs []Attribute) (Answers, error) {
	sorted := make([]Attribute, len(attrs))
	copy(sorted, attrs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	children := make(map[string][]Attribute, len(sorted))
	for _, attr := range sorted {
		children[attr.ParentID] = append(children[attr.ParentID], attr)
	}
	return readLevel(children, "")
}

func readLevel(children map[string][]Attribute, parentID string) (Answers, error) {
	answers := make(Answers)
	rowParents := make(map[string][]Attribute)
	var formKeys []string

	for _, attr := range children[parentID] {
		if attr.IsRowParent() {
			if _, seen := rowParents[attr.FieldKey]; !seen {
				formKeys = append(formKeys, attr.FieldKey)
			}
			rowParents[attr.FieldKey] = append(rowParents[attr.FieldKey], attr)
			continue
		}
		var val interface{}
		if err := json.Unmarshal(attr.Value, &val); err != nil {
			return nil, errors.Wrapf(err, "decoding answer %s", attr.FieldKey)
		}
		answers[attr.FieldKey] = val
	}

	for _, key := range formKeys {
		parents := rowParents[key]
		sort.SliceStable(parents, func(i, j int) bool { return parents[i].Row < parents[j].Row })
		rows := make([]Answers, 0, len(parents))
		for _, p := range parents {
			row, err := readLevel(children, p.ID)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		answers[key] = rows
	}
	return answers, nil
}
