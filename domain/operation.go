package domain

// Operation names one client-initiated request.
type Operation int

const (
	OpLogon Operation = iota + 1
	OpCreateSession
	OpJoinSession
	OpAddMessage
	OpDisconnect
)

var operationNames = map[Operation]string{
	OpLogon:         "logon",
	OpCreateSession: "createSession",
	OpJoinSession:   "joinSession",
	OpAddMessage:    "addMessage",
	OpDisconnect:    "disconnect",
}

// Operations lists every operation in declaration order.
func Operations() []Operation {
	return []Operation{OpLogon, OpCreateSession, OpJoinSession, OpAddMessage, OpDisconnect}
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOperation maps a wire frame type to an operation a client may invoke.
// disconnect is raised by the transport only and is never parsed from a frame.
func ParseOperation(name string) (Operation, bool) {
	for op, n := range operationNames {
		if n == name && op != OpDisconnect {
			return op, true
		}
	}
	return 0, false
}
