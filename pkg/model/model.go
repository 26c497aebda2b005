// Package model defines the wire-level data types the dispatcher operates
// on: task messages, service messages, their tagged union, and the uuid
// lifecycle status reported by the pool.
package model

import (
	"errors"
	"fmt"
)

// ErrUnknownShape means a decoded payload's field-name set matched neither
// the task message nor the service message schema.
var ErrUnknownShape = errors.New("model: payload matches no known shape")

// Command is a service-message directive. The set is closed; adding a
// command is a protocol-version break.
type Command string

const (
	// CommandGetStatus asks the dispatcher to report a task's pool status.
	CommandGetStatus Command = "GET_STATUS"
	// CommandClosing asks the dispatcher to cancel a running task.
	CommandClosing Command = "CLOSING"
)

func (c Command) valid() bool {
	switch c {
	case CommandGetStatus, CommandClosing:
		return true
	default:
		return false
	}
}

// TaskStatus is what Pool.Status reports for a uuid.
type TaskStatus string

const (
	// StatusRunning means the uuid currently occupies a pool slot.
	StatusRunning TaskStatus = "RUNNING"
	// StatusUnknown means no future is pending for the uuid.
	StatusUnknown TaskStatus = "UNKNOWN"
)

// Metadata is the tagged union of TaskMessage and ServiceMessage. Every
// concrete metadata type carries the uuid the pool keys on.
type Metadata interface {
	TaskUUID() string
	isMetadata()
}

// TaskMessage is a unit of application work: a unique uuid, a routing
// discriminator (TypeEvent), and an optional payload.
type TaskMessage struct {
	UUID      string
	TypeEvent string
	Data      map[string]any
}

func (m *TaskMessage) TaskUUID() string { return m.UUID }
func (m *TaskMessage) isMetadata()      {}

// ServiceMessage is an out-of-band control command keyed to an existing
// task's uuid. It never occupies pool capacity.
type ServiceMessage struct {
	UUID    string
	Command Command
}

func (m *ServiceMessage) TaskUUID() string { return m.UUID }
func (m *ServiceMessage) isMetadata()      {}

// taskMandatory, taskOptional and serviceMandatory describe the exact
// field-name sets the classifier matches against, per the field-set-equality rule in
// the specification: a payload's key set must equal the mandatory fields
// plus whichever optional fields happen to be present.
var (
	taskMandatory    = map[string]bool{"uuid": true, "type_event": true}
	taskOptional     = map[string]bool{"data": true}
	serviceMandatory = map[string]bool{"uuid": true, "command": true}
)

// Classify inspects a decoded payload's field-name set and returns the
// concrete metadata type it matches, service messages taking precedence
// over task messages per the admission-gate ordering in the specification.
// A payload matching neither shape returns ErrUnknownShape.
func Classify(payload map[string]any) (Metadata, error) {
	fields := make(map[string]bool, len(payload))
	for k := range payload {
		fields[k] = true
	}

	if fieldSetMatches(fields, serviceMandatory, nil) {
		return decodeServiceMessage(payload)
	}
	if fieldSetMatches(fields, taskMandatory, taskOptional) {
		return decodeTaskMessage(payload)
	}
	return nil, fmt.Errorf("%w: fields=%v", ErrUnknownShape, fieldNames(fields))
}

func fieldSetMatches(fields, mandatory, optional map[string]bool) bool {
	for k := range fields {
		if !mandatory[k] && !optional[k] {
			return false
		}
	}
	for k := range mandatory {
		if !fields[k] {
			return false
		}
	}
	return true
}

func fieldNames(fields map[string]bool) []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}

func decodeTaskMessage(payload map[string]any) (*TaskMessage, error) {
	uuid, ok := payload["uuid"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: uuid must be a string", ErrUnknownShape)
	}
	typeEvent, ok := payload["type_event"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: type_event must be a string", ErrUnknownShape)
	}

	msg := &TaskMessage{UUID: uuid, TypeEvent: typeEvent}
	if raw, present := payload["data"]; present {
		data, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: data must be a map", ErrUnknownShape)
		}
		msg.Data = data
	}
	return msg, nil
}

func decodeServiceMessage(payload map[string]any) (*ServiceMessage, error) {
	uuid, ok := payload["uuid"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: uuid must be a string", ErrUnknownShape)
	}
	rawCmd, ok := payload["command"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: command must be a string", ErrUnknownShape)
	}
	cmd := Command(rawCmd)
	if !cmd.valid() {
		return nil, fmt.Errorf("%w: unrecognized command %q", ErrUnknownShape, rawCmd)
	}
	return &ServiceMessage{UUID: uuid, Command: cmd}, nil
}
