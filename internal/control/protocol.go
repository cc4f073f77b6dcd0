package control

// Command codes for the control endpoint. Payloads are little-endian i32
// fields.
const (
	CmdResetCounters    uint32 = 0 // no payload
	CmdAddPgid          uint32 = 1 // pgid, jobid, worker_num
	CmdRemovePgid       uint32 = 2 // pgid
	CmdSetThreshold     uint32 = 3 // seconds
	CmdSetAgentEndpoint uint32 = 4 // id
	CmdRequestProfile   uint32 = 5 // pid
)

// payloadWords returns the number of i32 payload fields for cmd, or -1
// for an unknown command.
func payloadWords(cmd uint32) int {
	switch cmd {
	case CmdResetCounters:
		return 0
	case CmdAddPgid:
		return 3
	case CmdRemovePgid, CmdSetThreshold, CmdSetAgentEndpoint, CmdRequestProfile:
		return 1
	default:
		return -1
	}
}
