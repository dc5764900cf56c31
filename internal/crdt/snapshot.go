package crdt

import (
	"encoding/json"
	"strings"

	"notes-collab/internal/crdt/oplog"
)

// DefaultBlockType is used for text that precedes the first block marker
const DefaultBlockType = "paragraph"

// Document is the content tree handed to the UI layer
type Document struct {
	ID     string  `json:"id"`
	Blocks []Block `json:"blocks"`
}

// Block is one top-level block. Type and Attrs are opaque to the core.
type Block struct {
	ID      *oplog.ID       `json:"id,omitempty"`
	Type    string          `json:"type"`
	Attrs   json.RawMessage `json:"attrs,omitempty"`
	Content []Span          `json:"content"`
}

// Span is a run of text sharing the same marks
type Span struct {
	Text  string                     `json:"text"`
	Marks map[string]json.RawMessage `json:"marks,omitempty"`
}

// Text flattens the document to plain text, one line per block
func (d Document) Text() string {
	lines := make([]string, 0, len(d.Blocks))
	for _, b := range d.Blocks {
		var sb strings.Builder
		for _, s := range b.Content {
			sb.WriteString(s.Text)
		}
		lines = append(lines, sb.String())
	}
	return strings.Join(lines, "\n")
}

// GetContentSnapshot builds the block tree from the visible items
func (r *Replica) GetContentSnapshot() Document {
	doc := Document{ID: r.documentID, Blocks: []Block{}}

	marks := r.resolveMarks()

	var cur *Block
	var text strings.Builder
	var curMarks map[string]json.RawMessage

	flushSpan := func() {
		if cur == nil || text.Len() == 0 {
			return
		}
		cur.Content = append(cur.Content, Span{Text: text.String(), Marks: curMarks})
		text.Reset()
	}

	for it := r.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if it.block != nil {
			flushSpan()
			id := it.id
			doc.Blocks = append(doc.Blocks, Block{
				ID:      &id,
				Type:    it.block.blockType,
				Attrs:   rawJSON(it.block.attrs),
				Content: []Span{},
			})
			cur = &doc.Blocks[len(doc.Blocks)-1]
			curMarks = nil
			continue
		}

		if cur == nil {
			doc.Blocks = append(doc.Blocks, Block{Type: DefaultBlockType, Content: []Span{}})
			cur = &doc.Blocks[len(doc.Blocks)-1]
		}
		m := marks[it]
		if text.Len() > 0 && !sameMarks(curMarks, m) {
			flushSpan()
		}
		curMarks = m
		text.WriteRune(it.text)
	}
	flushSpan()

	return doc
}

// resolveMarks computes the effective marks of every visible rune.
// Per key the mark with the highest (lamport, actor, counter) wins; a nil
// value winning removes the key.
func (r *Replica) resolveMarks() map[*item]map[string]json.RawMessage {
	if len(r.marks) == 0 {
		return nil
	}

	var order []*item
	index := make(map[*item]int)
	for it := r.head; it != nil; it = it.right {
		index[it] = len(order)
		order = append(order, it)
	}

	winners := make(map[*item]map[string]*oplog.Operation)
	for _, m := range r.marks {
		start, end := r.items[m.Start], r.items[m.End]
		if start == nil || end == nil {
			continue
		}
		lo, hi := index[start], index[end]
		if lo > hi {
			continue
		}
		for _, it := range order[lo : hi+1] {
			if it.block != nil {
				continue
			}
			w := winners[it]
			if w == nil {
				w = make(map[string]*oplog.Operation)
				winners[it] = w
			}
			if prev := w[m.MarkKey]; prev == nil || markBeats(m, prev) {
				w[m.MarkKey] = m
			}
		}
	}

	out := make(map[*item]map[string]json.RawMessage, len(winners))
	for it, w := range winners {
		if it.deleted {
			continue
		}
		var set map[string]json.RawMessage
		for key, m := range w {
			if m.MarkValue == nil {
				continue
			}
			if set == nil {
				set = make(map[string]json.RawMessage)
			}
			set[key] = rawJSON(m.MarkValue)
		}
		if set != nil {
			out[it] = set
		}
	}
	return out
}

func markBeats(a, b *oplog.Operation) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.ID.Actor != b.ID.Actor {
		return a.ID.Actor > b.ID.Actor
	}
	return a.ID.Counter > b.ID.Counter
}

func sameMarks(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || string(av) != string(bv) {
			return false
		}
	}
	return true
}

// rawJSON exposes an opaque payload as JSON, quoting it when it is not JSON already
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
