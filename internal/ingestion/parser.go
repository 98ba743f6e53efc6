package ingestion

import (
	"strings"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Subject roots. Engine slots arrive on perp.engine.events.<market>; crank
// commands on perp.crank.<kind> with the command's JSON body.
const (
	EngineEventsPrefix = "perp.engine.events."
	CrankPrefix        = "perp.crank."
	RecordsPrefix      = "perp.settle.records."
)

var ErrBadSubject = errors.New("unroutable subject")

// ParseMessage turns one inbound message into a core command.
func ParseMessage(msg RawMessage) (core.Command, error) {
	switch {
	case strings.HasPrefix(msg.Subject, EngineEventsPrefix):
		return parseEngineEvent(msg)
	case strings.HasPrefix(msg.Subject, CrankPrefix):
		return parseCrank(msg)
	default:
		return nil, errors.Wrap(ErrBadSubject, msg.Subject)
	}
}

func parseEngineEvent(msg RawMessage) (core.Command, error) {
	market, err := uuid.Parse(strings.TrimPrefix(msg.Subject, EngineEventsPrefix))
	if err != nil {
		return nil, errors.Wrapf(ErrBadSubject, "%s: market id: %v", msg.Subject, err)
	}
	ev, err := event.NewEngineEvent(market, msg.Data, msg.Timestamp)
	if err != nil {
		return nil, errors.Wrapf(err, "engine event on %s", msg.Subject)
	}
	return core.NewPushEvent(ev), nil
}

// parseCrank decodes perp.crank.<kind>. A body without call_id takes the
// transport's message id; one without timestamp takes the receive time.
func parseCrank(msg RawMessage) (core.Command, error) {
	kind := strings.TrimPrefix(msg.Subject, CrankPrefix)
	if kind == core.KindPushEvent {
		return nil, errors.Wrapf(ErrBadSubject, "%s: engine events use %s<market>", msg.Subject, EngineEventsPrefix)
	}
	cmd, err := core.DecodeCommand(kind, msg.Data)
	if err != nil {
		return nil, err
	}
	hdr := cmd.Header()
	if hdr.CallID == "" {
		hdr.CallID = msg.MessageID
	}
	if hdr.Timestamp == 0 {
		hdr.Timestamp = msg.Timestamp.UnixMicro()
	}
	return cmd, nil
}
