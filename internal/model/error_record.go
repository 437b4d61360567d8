package model

import "time"

type Cause string

const (
	CauseDecode    Cause = "decode"
	CauseConnect   Cause = "connect"
	CauseReconnect Cause = "reconnect"
)

// ErrorRecord is the single most recent failure shown to the user.
type ErrorRecord struct {
	Cause   Cause     `json:"cause"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func NewErrorRecord(cause Cause, err error) *ErrorRecord {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ErrorRecord{Cause: cause, Message: msg, At: time.Now().UTC()}
}
