package collab

import (
	"sync"

	"github.com/golang/glog"

	"github.com/coedit/collab/protocol"
)

// CommentTree owns the threaded comments for one document. Mutations
// are applied optimistically by the initiating client and reconciled
// when the broadcast echo arrives: adds are suppressed by id, updates
// and deletes apply unconditionally (last write wins).
type CommentTree struct {
	stateLock sync.Mutex
	// top level comments in creation order
	ordered []*protocol.Comment
	// comment id -> comment, including replies
	idComments map[protocol.Id]*protocol.Comment
	// reply id -> parent id
	idParents map[protocol.Id]protocol.Id
}

func NewCommentTree() *CommentTree {
	return &CommentTree{
		ordered:    []*protocol.Comment{},
		idComments: map[protocol.Id]*protocol.Comment{},
		idParents:  map[protocol.Id]protocol.Id{},
	}
}

// must be called inside the state lock
func (self *CommentTree) reindex() {
	self.idComments = map[protocol.Id]*protocol.Comment{}
	self.idParents = map[protocol.Id]protocol.Id{}
	for _, comment := range self.ordered {
		self.idComments[comment.Id] = comment
		for _, reply := range comment.Thread {
			self.idComments[reply.Id] = reply
			self.idParents[reply.Id] = comment.Id
		}
	}
}

// Add inserts a top level comment. Returns false if the id already
// exists, which suppresses duplicate echoes of optimistic adds.
func (self *CommentTree) Add(comment *protocol.Comment) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.idComments[comment.Id]; ok {
		glog.V(2).Infof("[cmnt]duplicate add %s\n", comment.Id)
		return false
	}
	self.ordered = append(self.ordered, comment.Clone())
	self.reindex()
	return true
}

// Update replaces the comment with the same id wholesale. An unknown
// id is treated as an add so a late echo cannot be lost.
func (self *CommentTree) Update(comment *protocol.Comment) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	replacement := comment.Clone()
	if parentId, ok := self.idParents[comment.Id]; ok {
		parent := self.idComments[parentId]
		for i, reply := range parent.Thread {
			if reply.Id == comment.Id {
				// replies do not nest further
				replacement.Thread = nil
				parent.Thread[i] = replacement
				break
			}
		}
		self.reindex()
		return true
	}
	for i, existing := range self.ordered {
		if existing.Id == comment.Id {
			self.ordered[i] = replacement
			self.reindex()
			return true
		}
	}
	self.ordered = append(self.ordered, replacement)
	self.reindex()
	return true
}

// Delete removes a comment or reply. Returns false if the id is
// unknown.
func (self *CommentTree) Delete(commentId protocol.Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if parentId, ok := self.idParents[commentId]; ok {
		parent := self.idComments[parentId]
		for i, reply := range parent.Thread {
			if reply.Id == commentId {
				parent.Thread = append(parent.Thread[:i], parent.Thread[i+1:]...)
				break
			}
		}
		self.reindex()
		return true
	}
	for i, existing := range self.ordered {
		if existing.Id == commentId {
			self.ordered = append(self.ordered[:i], self.ordered[i+1:]...)
			self.reindex()
			return true
		}
	}
	return false
}

// Reply appends to the parent's thread. Returns false if the parent
// is unknown or the reply id already exists.
func (self *CommentTree) Reply(parentId protocol.Id, comment *protocol.Comment) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.idComments[comment.Id]; ok {
		glog.V(2).Infof("[cmnt]duplicate reply %s\n", comment.Id)
		return false
	}
	parent, ok := self.idComments[parentId]
	if !ok {
		glog.V(1).Infof("[cmnt]reply to unknown comment %s\n", parentId)
		return false
	}
	if _, isReply := self.idParents[parentId]; isReply {
		glog.V(1).Infof("[cmnt]reply to reply %s not supported\n", parentId)
		return false
	}
	reply := comment.Clone()
	reply.Thread = nil
	parent.Thread = append(parent.Thread, reply)
	self.reindex()
	return true
}

// AddReaction inserts a reaction, first removing any prior reaction
// of the same type by the same user. Returns false if the comment is
// unknown.
func (self *CommentTree) AddReaction(commentId protocol.Id, reaction protocol.Reaction) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comment, ok := self.idComments[commentId]
	if !ok {
		return false
	}
	reactions := []protocol.Reaction{}
	for _, existing := range comment.Reactions {
		if existing.UserId == reaction.UserId && existing.Type == reaction.Type {
			continue
		}
		reactions = append(reactions, existing)
	}
	comment.Reactions = append(reactions, reaction)
	return true
}

// RemoveReaction removes the (user, type) reaction. Returns false if
// the comment is unknown or the reaction was not present.
func (self *CommentTree) RemoveReaction(commentId protocol.Id, userId protocol.Id, reactionType string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comment, ok := self.idComments[commentId]
	if !ok {
		return false
	}
	for i, existing := range comment.Reactions {
		if existing.UserId == userId && existing.Type == reactionType {
			comment.Reactions = append(comment.Reactions[:i], comment.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

func (self *CommentTree) Get(commentId protocol.Id) *protocol.Comment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comment, ok := self.idComments[commentId]
	if !ok {
		return nil
	}
	return comment.Clone()
}

// Comments returns deep copies of the top level comments in creation
// order.
func (self *CommentTree) Comments() []*protocol.Comment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comments := make([]*protocol.Comment, len(self.ordered))
	for i, comment := range self.ordered {
		comments[i] = comment.Clone()
	}
	return comments
}

func (self *CommentTree) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.ordered)
}

// Reset replaces all comments, for a full document sync.
func (self *CommentTree) Reset(comments []*protocol.Comment) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ordered = make([]*protocol.Comment, len(comments))
	for i, comment := range comments {
		self.ordered[i] = comment.Clone()
	}
	self.reindex()
}
