package projection

import "github.com/workflowd/engine/pkg/eventlog"

// Output is one node's current (non-superseded) value on a channel.
type Output struct {
	NodeID     string
	Channel    eventlog.OutputChannel
	Value      any
	EventIndex int
}

// ProjectNodeOutputs maps each node to its current output per channel.
// When the same node+channel is written more than once, the later event
// (by eventIndex) supersedes earlier ones for projection purposes; every
// write still remains in the underlying log.
func ProjectNodeOutputs(events []eventlog.Event) map[string]map[eventlog.OutputChannel]Output {
	result := make(map[string]map[eventlog.OutputChannel]Output)
	for _, e := range events {
		if e.Kind != eventlog.KindNodeOutputAppended {
			continue
		}
		nodeID := stringField(e.Data, "nodeId")
		channel := eventlog.OutputChannel(e.Scope)
		var value any
		if e.Data != nil {
			value = e.Data["value"]
		}
		if result[nodeID] == nil {
			result[nodeID] = make(map[eventlog.OutputChannel]Output)
		}
		result[nodeID][channel] = Output{
			NodeID:     nodeID,
			Channel:    channel,
			Value:      value,
			EventIndex: e.EventIndex,
		}
	}
	return result
}
