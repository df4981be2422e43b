package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session describes an active connection to a shared document
type Session struct {
	ID           string    `json:"id"`
	DocumentName string    `json:"document_name"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
}

func NewSession(documentName, remoteAddr string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		DocumentName: documentName,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now(),
	}
}
