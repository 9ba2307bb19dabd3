package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when decoding an event of an unrecognized kind.
var ErrUnknownKind = errors.New("unknown event kind")

// Marshal encodes an event for the event log.
func Marshal(e Event) (Kind, []byte, error) {
	if e == nil {
		return "", nil, errors.New("nil event")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s: %w", e.Kind(), err)
	}
	return e.Kind(), data, nil
}

// Unmarshal decodes an event of the given kind. Unknown kinds yield
// ErrUnknownKind so replay can skip events written by newer versions.
func Unmarshal(kind Kind, data []byte) (Event, error) {
	var (
		e   Event
		err error
	)
	switch kind {
	case KindMonitoringEnabled:
		var v MonitoringEnabled
		err = json.Unmarshal(data, &v)
		e = v
	case KindMonitoringDisabled:
		var v MonitoringDisabled
		err = json.Unmarshal(data, &v)
		e = v
	case KindEndpointDetected:
		var v EndpointDetected
		err = json.Unmarshal(data, &v)
		e = v
	case KindHeartbeatingEndpointDetected:
		var v HeartbeatingEndpointDetected
		err = json.Unmarshal(data, &v)
		e = v
	case KindHeartbeatRestored:
		var v HeartbeatRestored
		err = json.Unmarshal(data, &v)
		e = v
	case KindHeartbeatFailed:
		var v HeartbeatFailed
		err = json.Unmarshal(data, &v)
		e = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return e, nil
}
