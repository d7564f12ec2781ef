// Package control is the command plane of the daemon. A client sends
// requests tagged with a task id over a QBP connection; the daemon answers
// each one with a response echoing that id, in whatever order the tasks
// finish. Responses without a task id are events pushed to every client.
package control

import (
	"fmt"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
)

type Command string

const (
	CmdList   Command = "list"
	CmdAdd    Command = "add"
	CmdStart  Command = "start"
	CmdStop   Command = "stop"
	CmdRemove Command = "remove"
)

type Request struct {
	Task    string  `json:"task"`
	Command Command `json:"command"`
	Token   string  `json:"token,omitempty"`
	// ID of the interface for start, stop and remove
	ID string `json:"id,omitempty"`
	// Name and Kind of a new interface; Kind defaults to the name's prefix
	Name   string    `json:"name,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	Config *qbp.Blob `json:"config,omitempty"`
}

func (r Request) String() string {
	switch r.Command {
	case CmdList:
		return "list"
	case CmdAdd:
		ct := ""
		if r.Config != nil {
			ct = r.Config.ContentType
		}
		return fmt.Sprintf("add %s %s", r.Name, ct)
	default:
		return fmt.Sprintf("%s %s", r.Command, r.ID)
	}
}

// Summary describes one interface
type Summary struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	State     iface.State     `json:"state"`
	Device    change.DeviceID `json:"device,omitempty"`
	Autostart bool            `json:"autostart,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type EventType string

const (
	EventStatus   EventType = "status"
	EventConflict EventType = "conflict"
)

// Conflict reports two concurrent writes of one resource
type Conflict struct {
	Path       string `json:"path"`
	Head       string `json:"head"`
	Incoming   string `json:"incoming"`
	Policy     string `json:"policy"`
	Resolution string `json:"resolution"`
}

type Event struct {
	Type     EventType `json:"type"`
	Status   *Summary  `json:"status,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

type Response struct {
	Task  string    `json:"task,omitempty"`
	Error *Error    `json:"error,omitempty"`
	ID    string    `json:"id,omitempty"`
	List  []Summary `json:"list,omitempty"`
	Event *Event    `json:"event,omitempty"`
}

// IsEvent reports whether the response answers no task
func (r Response) IsEvent() bool {
	return r.Task == "" && r.Event != nil
}
