package collab

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"

	"github.com/coedit/collab/protocol"
)

type DocumentSettings struct {
	// applied operations kept for transform lookups.
	// older entries are folded into the replay base.
	HistorySize int
}

func DefaultDocumentSettings() *DocumentSettings {
	return &DocumentSettings{
		HistorySize: 500,
	}
}

// Document is the canonical per-document state. Content and version
// are mutated only through `Apply`. Offsets are rune offsets.
//
// The operation history is bounded: the newest `HistorySize` applied
// operations are retained, and older ones are folded into `base`, the
// content as of `baseVersion`. Replaying the retained history over
// `base` always reproduces `content`.
type Document struct {
	documentId string

	settings *DocumentSettings

	stateLock    sync.Mutex
	content      []rune
	version      int64
	lastModified time.Time

	base        []rune
	baseVersion int64
	history     []*protocol.Operation
	appliedIds  mapset.Set[protocol.Id]

	spans []*attributeSpan
}

type attributeSpan struct {
	start      int
	end        int
	attributes map[string]string
}

func NewDocumentWithDefaults(documentId string, content string, version int64) *Document {
	return NewDocument(documentId, content, version, DefaultDocumentSettings())
}

func NewDocument(documentId string, content string, version int64, settings *DocumentSettings) *Document {
	runes := []rune(content)
	return &Document{
		documentId:   documentId,
		settings:     settings,
		content:      append([]rune{}, runes...),
		version:      version,
		lastModified: time.Now(),
		base:         append([]rune{}, runes...),
		baseVersion:  version,
		history:      []*protocol.Operation{},
		appliedIds:   mapset.NewSet[protocol.Id](),
		spans:        []*attributeSpan{},
	}
}

func (self *Document) DocumentId() string {
	return self.documentId
}

func (self *Document) Content() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return string(self.content)
}

func (self *Document) Version() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

func (self *Document) LastModified() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastModified
}

func (self *Document) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.content)
}

// History returns a copy of the retained applied operations,
// most recent last.
func (self *Document) History() []*protocol.Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	history := make([]*protocol.Operation, len(self.history))
	for i, op := range self.history {
		history[i] = op.Clone()
	}
	return history
}

// BaseVersion is the version of the oldest state reconstructible from
// the retained history. Operations generated against an earlier
// version can no longer be transformed.
func (self *Document) BaseVersion() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.baseVersion
}

// Attributes returns the merged formatting attributes at a position,
// later spans winning.
func (self *Document) Attributes(position int) map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	attributes := map[string]string{}
	for _, span := range self.spans {
		if span.start <= position && position < span.end {
			for k, v := range span.attributes {
				attributes[k] = v
			}
		}
	}
	return attributes
}

// Apply clamps and applies one operation. Out of range positions and
// lengths are clamped, never rejected. Applying an operation whose id
// was already applied is a no-op. Returns whether the document
// changed version.
func (self *Document) Apply(op *protocol.Operation) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !op.Type.IsValid() {
		return false, &TransformError{
			OperationId: op.Id,
			Reason:      fmt.Sprintf("invalid operation type: %s", op.Type),
		}
	}
	if self.appliedIds.Contains(op.Id) {
		glog.V(2).Infof("[doc]%s already applied %s\n", self.documentId, op.Id)
		return false, nil
	}

	applied := op.Clone()
	self.clamp(applied)

	self.content = applyContent(self.content, applied)
	self.applySpans(applied)

	self.version += 1
	self.lastModified = time.Now()
	applied.Version = self.version
	applied.Applied = true
	op.Applied = true

	self.history = append(self.history, applied)
	self.appliedIds.Add(applied.Id)
	for self.settings.HistorySize < len(self.history) {
		oldest := self.history[0]
		self.history = self.history[1:]
		self.base = applyContent(self.base, oldest)
		self.baseVersion = oldest.Version
		self.appliedIds.Remove(oldest.Id)
	}

	return true, nil
}

// must be called inside the state lock
func (self *Document) clamp(op *protocol.Operation) {
	n := len(self.content)
	if op.Position < 0 {
		op.Position = 0
	}
	if n < op.Position {
		op.Position = n
	}
	switch op.Type {
	case protocol.OpDelete, protocol.OpRetain, protocol.OpFormat:
		if op.Length < 0 {
			op.Length = 0
		}
		if n-op.Position < op.Length {
			op.Length = n - op.Position
		}
	}
}

// content effect of an already clamped operation
func applyContent(content []rune, op *protocol.Operation) []rune {
	switch op.Type {
	case protocol.OpInsert:
		inserted := []rune(op.Content)
		out := make([]rune, 0, len(content)+len(inserted))
		out = append(out, content[:op.Position]...)
		out = append(out, inserted...)
		out = append(out, content[op.Position:]...)
		return out
	case protocol.OpDelete:
		out := make([]rune, 0, len(content)-op.Length)
		out = append(out, content[:op.Position]...)
		out = append(out, content[op.Position+op.Length:]...)
		return out
	default:
		// retain and format do not change length
		return content
	}
}

// must be called inside the state lock
func (self *Document) applySpans(op *protocol.Operation) {
	switch op.Type {
	case protocol.OpInsert:
		insertLen := len([]rune(op.Content))
		for _, span := range self.spans {
			if op.Position <= span.start {
				span.start += insertLen
				span.end += insertLen
			} else if op.Position < span.end {
				span.end += insertLen
			}
		}
	case protocol.OpDelete:
		shrink := func(x int) int {
			if x <= op.Position {
				return x
			}
			if x <= op.Position+op.Length {
				return op.Position
			}
			return x - op.Length
		}
		spans := []*attributeSpan{}
		for _, span := range self.spans {
			span.start = shrink(span.start)
			span.end = shrink(span.end)
			if span.start < span.end {
				spans = append(spans, span)
			}
		}
		self.spans = spans
	case protocol.OpRetain, protocol.OpFormat:
		if 0 < len(op.Attributes) && 0 < op.Length {
			attributes := map[string]string{}
			for k, v := range op.Attributes {
				attributes[k] = v
			}
			self.spans = append(self.spans, &attributeSpan{
				start:      op.Position,
				end:        op.Position + op.Length,
				attributes: attributes,
			})
		}
	}
}

// Replay rebuilds the content from the replay base and the retained
// history. The result always equals `Content`.
func (self *Document) Replay() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content := append([]rune{}, self.base...)
	for _, op := range self.history {
		content = applyContent(content, op)
	}
	return string(content)
}

// Reset replaces the canonical state, dropping history and spans.
// Used when the server sends a full document sync.
func (self *Document) Reset(content string, version int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	runes := []rune(content)
	self.content = append([]rune{}, runes...)
	self.version = version
	self.lastModified = time.Now()
	self.base = append([]rune{}, runes...)
	self.baseVersion = version
	self.history = []*protocol.Operation{}
	self.appliedIds.Clear()
	self.spans = []*attributeSpan{}
}

// Snapshot returns an immutable copy of the canonical state.
func (self *Document) Snapshot() *DocumentState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &DocumentState{
		DocumentId:   self.documentId,
		Content:      string(self.content),
		Version:      self.version,
		LastModified: self.lastModified,
	}
}

type DocumentState struct {
	DocumentId   string
	Content      string
	Version      int64
	LastModified time.Time
}
