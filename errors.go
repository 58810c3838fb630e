package collab

import (
	"fmt"

	"github.com/coedit/collab/protocol"
)

// The public api never panics. Failures surface as one of the error
// kinds below so callers can branch on the failure domain with
// `errors.As`.

type ConnectionError struct {
	Op  string
	Err error
}

func (self *ConnectionError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("connection %s failed", self.Op)
	}
	return fmt.Sprintf("connection %s failed: %s", self.Op, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

type TransformError struct {
	OperationId protocol.Id
	Reason      string
}

func (self *TransformError) Error() string {
	return fmt.Sprintf("transform failed for operation %s: %s", self.OperationId, self.Reason)
}

type ConflictResolutionError struct {
	ConflictId protocol.Id
	Strategy   protocol.ResolutionStrategy
	Err        error
}

func (self *ConflictResolutionError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("conflict %s resolution (%s) failed", self.ConflictId, self.Strategy)
	}
	return fmt.Sprintf("conflict %s resolution (%s) failed: %s", self.ConflictId, self.Strategy, self.Err)
}

func (self *ConflictResolutionError) Unwrap() error {
	return self.Err
}

type SerializationError struct {
	MessageType string
	Err         error
}

func (self *SerializationError) Error() string {
	if self.MessageType == "" {
		return fmt.Sprintf("serialization failed: %s", self.Err)
	}
	return fmt.Sprintf("serialization failed for %s: %s", self.MessageType, self.Err)
}

func (self *SerializationError) Unwrap() error {
	return self.Err
}
