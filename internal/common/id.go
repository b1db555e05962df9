package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique import job ID.
func NewJobID() string {
	return uuid.New().String()
}

// NewDatasetID generates a unique dataset ID with the "ds_" prefix
// Format: ds_<uuid>
func NewDatasetID() string {
	return "ds_" + uuid.New().String()
}

// NewMessageID generates a unique queue message ID with the "msg_" prefix
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}
