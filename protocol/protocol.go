// Package protocol defines the json wire protocol for collaboration sessions.
//
// Every frame on the socket is a `Message` envelope `{type, data, timestamp}`.
// The payload types below map one to one onto the envelope `type` values via
// `ToMessage`/`FromMessage`. Unknown envelope types decode to an error and the
// caller is expected to drop the frame, leaving the connection open.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	TypePresence           = "presence"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeCursorUpdate       = "cursor-update"
	TypeSelectionUpdate    = "selection-update"
	TypeOperation          = "operation"
	TypeBatchOperations    = "batch_operations"
	TypeCommentAdd         = "comment-add"
	TypeCommentUpdate      = "comment-update"
	TypeCommentDelete      = "comment-delete"
	TypeCommentReply       = "comment-reply"
	TypeReactionAdd        = "reaction-add"
	TypeReactionRemove     = "reaction-remove"
	TypeMention            = "mention"
	TypeConflictDetected   = "conflict-detected"
	TypeConflictResolution = "conflict-resolution"
	TypeDocumentSync       = "document-sync"
)

type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp Millis          `json:"timestamp,omitempty"`
}

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
	OpFormat OpType = "format"
)

func (self OpType) IsValid() bool {
	switch self {
	case OpInsert, OpDelete, OpRetain, OpFormat:
		return true
	default:
		return false
	}
}

// Operation is an atomic edit, positioned in the document's linear text.
// `Version` is the document version the operation was generated against.
type Operation struct {
	Id         Id                `json:"id"`
	Type       OpType            `json:"type"`
	Position   int               `json:"position"`
	Content    string            `json:"content,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Length     int               `json:"length,omitempty"`
	UserId     Id                `json:"userId"`
	Timestamp  Millis            `json:"timestamp"`
	Version    int64             `json:"version"`
	Applied    bool              `json:"applied,omitempty"`
}

func (self *Operation) Clone() *Operation {
	out := *self
	if self.Attributes != nil {
		out.Attributes = map[string]string{}
		for k, v := range self.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusIdle    UserStatus = "idle"
	UserStatusAway    UserStatus = "away"
	UserStatusOffline UserStatus = "offline"
)

func (self UserStatus) IsPresent() bool {
	switch self {
	case UserStatusActive, UserStatusIdle, UserStatusAway:
		return true
	default:
		return false
	}
}

type User struct {
	Id     Id         `json:"id"`
	Name   string     `json:"name"`
	Avatar string     `json:"avatar,omitempty"`
	Color  string     `json:"color,omitempty"`
	Status UserStatus `json:"status,omitempty"`
}

const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

type Presence struct {
	Action     string `json:"action"`
	DocumentId string `json:"documentId"`
	User       User   `json:"user"`
	IsViewing  *bool  `json:"isViewing,omitempty"`
}

type Ping struct {
	SentAt Millis `json:"sentAt"`
}

type Pong struct {
	SentAt     Millis `json:"sentAt"`
	ServerTime Millis `json:"serverTime,omitempty"`
}

type CursorUpdate struct {
	DocumentId string `json:"documentId"`
	UserId     Id     `json:"userId"`
	Position   int    `json:"position"`
	Timestamp  Millis `json:"timestamp"`
}

type SelectionUpdate struct {
	DocumentId string `json:"documentId"`
	UserId     Id     `json:"userId"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Timestamp  Millis `json:"timestamp"`
}

type BatchOperations struct {
	DocumentId string       `json:"documentId"`
	Operations []*Operation `json:"operations"`
}

type Reaction struct {
	UserId    Id     `json:"userId"`
	Type      string `json:"type"`
	Timestamp Millis `json:"timestamp"`
}

type Comment struct {
	Id         Id         `json:"id"`
	AuthorId   Id         `json:"authorId"`
	Content    string     `json:"content"`
	CreatedAt  Millis     `json:"createdAt"`
	UpdatedAt  Millis     `json:"updatedAt,omitempty"`
	Reactions  []Reaction `json:"reactions,omitempty"`
	Thread     []*Comment `json:"thread,omitempty"`
	IsPinned   bool       `json:"isPinned,omitempty"`
	IsResolved bool       `json:"isResolved,omitempty"`
}

func (self *Comment) Clone() *Comment {
	out := *self
	if self.Reactions != nil {
		out.Reactions = append([]Reaction{}, self.Reactions...)
	}
	if self.Thread != nil {
		out.Thread = make([]*Comment, len(self.Thread))
		for i, reply := range self.Thread {
			out.Thread[i] = reply.Clone()
		}
	}
	return &out
}

type CommentAdd struct {
	DocumentId string   `json:"documentId"`
	Comment    *Comment `json:"comment"`
}

// CommentUpdate replaces the comment with the same id wholesale
// (last write wins, no field merge).
type CommentUpdate struct {
	DocumentId string   `json:"documentId"`
	Comment    *Comment `json:"comment"`
}

type CommentDelete struct {
	DocumentId string `json:"documentId"`
	CommentId  Id     `json:"commentId"`
	UserId     Id     `json:"userId"`
}

type CommentReply struct {
	DocumentId string   `json:"documentId"`
	ParentId   Id       `json:"parentId"`
	Comment    *Comment `json:"comment"`
}

type ReactionAdd struct {
	DocumentId string   `json:"documentId"`
	CommentId  Id       `json:"commentId"`
	Reaction   Reaction `json:"reaction"`
}

type ReactionRemove struct {
	DocumentId string `json:"documentId"`
	CommentId  Id     `json:"commentId"`
	UserId     Id     `json:"userId"`
	Type       string `json:"type"`
}

type Mention struct {
	DocumentId string `json:"documentId"`
	CommentId  Id     `json:"commentId"`
	FromUserId Id     `json:"fromUserId"`
	ToUserId   Id     `json:"toUserId"`
	Excerpt    string `json:"excerpt,omitempty"`
}

type ResolutionStrategy string

const (
	ResolutionAcceptLocal  ResolutionStrategy = "accept_local"
	ResolutionAcceptRemote ResolutionStrategy = "accept_remote"
	ResolutionMerge        ResolutionStrategy = "merge"
)

func (self ResolutionStrategy) IsValid() bool {
	switch self {
	case ResolutionAcceptLocal, ResolutionAcceptRemote, ResolutionMerge:
		return true
	default:
		return false
	}
}

type Conflict struct {
	Id         Id                 `json:"id"`
	Operations []*Operation       `json:"operations"`
	Resolution ResolutionStrategy `json:"resolution,omitempty"`
	Timestamp  Millis             `json:"timestamp"`
}

type ConflictDetected struct {
	DocumentId string    `json:"documentId"`
	Conflict   *Conflict `json:"conflict"`
}

type ConflictResolution struct {
	DocumentId string             `json:"documentId"`
	ConflictId Id                 `json:"conflictId"`
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedBy Id                 `json:"resolvedBy,omitempty"`
	Timestamp  Millis             `json:"timestamp"`
}

// DocumentSync is sent by the server when a client joins: the canonical
// content and version plus the current roster and comment tree.
type DocumentSync struct {
	DocumentId string     `json:"documentId"`
	Content    string     `json:"content"`
	Version    int64      `json:"version"`
	Users      []*User    `json:"users,omitempty"`
	Comments   []*Comment `json:"comments,omitempty"`
}

func ToMessage(payload any) (*Message, error) {
	var messageType string
	switch payload.(type) {
	case *Presence:
		messageType = TypePresence
	case *Ping:
		messageType = TypePing
	case *Pong:
		messageType = TypePong
	case *CursorUpdate:
		messageType = TypeCursorUpdate
	case *SelectionUpdate:
		messageType = TypeSelectionUpdate
	case *Operation:
		messageType = TypeOperation
	case *BatchOperations:
		messageType = TypeBatchOperations
	case *CommentAdd:
		messageType = TypeCommentAdd
	case *CommentUpdate:
		messageType = TypeCommentUpdate
	case *CommentDelete:
		messageType = TypeCommentDelete
	case *CommentReply:
		messageType = TypeCommentReply
	case *ReactionAdd:
		messageType = TypeReactionAdd
	case *ReactionRemove:
		messageType = TypeReactionRemove
	case *Mention:
		messageType = TypeMention
	case *ConflictDetected:
		messageType = TypeConflictDetected
	case *ConflictResolution:
		messageType = TypeConflictResolution
	case *DocumentSync:
		messageType = TypeDocumentSync
	default:
		return nil, fmt.Errorf("unknown message type: %T", payload)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      messageType,
		Data:      b,
		Timestamp: NowMillis(),
	}, nil
}

func RequireToMessage(payload any) *Message {
	message, err := ToMessage(payload)
	if err != nil {
		panic(err)
	}
	return message
}

func FromMessage(message *Message) (any, error) {
	var payload any
	switch message.Type {
	case TypePresence:
		payload = &Presence{}
	case TypePing:
		payload = &Ping{}
	case TypePong:
		payload = &Pong{}
	case TypeCursorUpdate:
		payload = &CursorUpdate{}
	case TypeSelectionUpdate:
		payload = &SelectionUpdate{}
	case TypeOperation:
		payload = &Operation{}
	case TypeBatchOperations:
		payload = &BatchOperations{}
	case TypeCommentAdd:
		payload = &CommentAdd{}
	case TypeCommentUpdate:
		payload = &CommentUpdate{}
	case TypeCommentDelete:
		payload = &CommentDelete{}
	case TypeCommentReply:
		payload = &CommentReply{}
	case TypeReactionAdd:
		payload = &ReactionAdd{}
	case TypeReactionRemove:
		payload = &ReactionRemove{}
	case TypeMention:
		payload = &Mention{}
	case TypeConflictDetected:
		payload = &ConflictDetected{}
	case TypeConflictResolution:
		payload = &ConflictResolution{}
	case TypeDocumentSync:
		payload = &DocumentSync{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", message.Type)
	}
	err := json.Unmarshal(message.Data, payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func Encode(payload any) ([]byte, error) {
	message, err := ToMessage(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message)
}

func RequireEncode(payload any) []byte {
	b, err := Encode(payload)
	if err != nil {
		panic(err)
	}
	return b
}

func Decode(b []byte) (any, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return FromMessage(message)
}

// DecodeMessage parses only the envelope, leaving `Data` raw.
func DecodeMessage(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}
