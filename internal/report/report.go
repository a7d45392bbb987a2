// Package report maps internal call results to the campaign panel's
// status vocabulary.
package report

import "strings"

// Internal result codes as written by the flow engine and session manager.
const (
	ResultConnectedToOperator = "connected_to_operator"
	ResultInboundCall         = "inbound_call"
	ResultNotInterested       = "not_interested"
	ResultMissed              = "missed"
	ResultUserDidntAnswer     = "user_didnt_answer"
	ResultHangup              = "hangup"
	ResultDisconnected        = "disconnected"
	ResultUnknown             = "unknown"
	ResultBusy                = "busy"
	ResultPowerOff            = "power_off"
	ResultBanned              = "banned"
	ResultSTTQuota            = "failed:vira_quota"
	ResultLLMQuota            = "failed:llm_quota"
	ResultSTTFailure          = "failed:stt_failure"
)

// Panel status codes.
const (
	StatusConnected     = "CONNECTED"
	StatusInboundCall   = "INBOUND_CALL"
	StatusNotInterested = "NOT_INTERESTED"
	StatusMissed        = "MISSED"
	StatusHangup        = "HANGUP"
	StatusDisconnected  = "DISCONNECTED"
	StatusUnknown       = "UNKNOWN"
	StatusBusy          = "BUSY"
	StatusPowerOff      = "POWER_OFF"
	StatusBanned        = "BANNED"
	StatusFailed        = "FAILED"
)

// Translation is the panel-facing rendering of an internal result.
type Translation struct {
	Status string
	Reason string
	// AttachTranscript gates whether the caller's last transcript is
	// included with the report. Only the intent-bearing statuses carry
	// transcripts.
	AttachTranscript bool
}

// Translate maps an internal result code to its panel status. The map
// is total: anything unrecognised lands on FAILED with the raw code as
// the reason. inboundDirect marks sessions that were bridged straight
// to an agent without a scenario flow; their disconnect is a normal
// inbound outcome rather than a drop.
func Translate(result string, inboundDirect bool) Translation {
	switch result {
	case ResultConnectedToOperator:
		return Translation{StatusConnected, "User said yes", true}
	case ResultInboundCall:
		return Translation{StatusInboundCall, "Inbound call connected to agent", true}
	case ResultNotInterested:
		return Translation{StatusNotInterested, "User declined", true}
	case ResultMissed, ResultUserDidntAnswer:
		return Translation{StatusMissed, "No answer/busy/unreachable", false}
	case ResultHangup:
		return Translation{StatusHangup, "Caller hung up", false}
	case ResultDisconnected:
		if inboundDirect {
			return Translation{StatusInboundCall, "Inbound call connected to agent", true}
		}
		return Translation{StatusDisconnected, "Caller disconnected", true}
	case ResultUnknown, "":
		return Translation{StatusUnknown, "Unknown intent", true}
	case ResultBusy:
		return Translation{StatusBusy, "Line busy", false}
	case ResultPowerOff:
		return Translation{StatusPowerOff, "Unavailable / powered off", false}
	case ResultBanned:
		return Translation{StatusBanned, "Rejected by operator", false}
	}
	if strings.HasPrefix(result, ResultSTTFailure) {
		return Translation{StatusNotInterested, "User did not respond", false}
	}
	return Translation{StatusFailed, result, false}
}

// CauseToResult maps a SIP hangup cause code from a Dial or Hangup
// event to an early terminal result.
func CauseToResult(cause int) string {
	switch cause {
	case 17:
		return ResultBusy
	case 18, 19, 20:
		return ResultPowerOff
	case 21, 34, 41, 42:
		return ResultBanned
	default:
		return ResultMissed
	}
}
