package envelope

import "fmt"

// Code identifies what an envelope carries. Inbound commands (peer to
// device) and outbound events (device to peer) share the type but occupy
// disjoint ranges. The numeric values are the contract with the remote peer
// and must never be renumbered.
type Code uint32

// Inbound commands.
const (
	CmdGetVersion    Code = 1
	CmdReset         Code = 2
	CmdUpgrade       Code = 3
	CmdAIOn          Code = 4
	CmdAIOff         Code = 5
	CmdNNResult      Code = 6
	CmdHeartbeat     Code = 7
	CmdPTZControl    Code = 8
	CmdModelSelect   Code = 9
	CmdFaceDetectOn  Code = 10
	CmdFaceDetectOff Code = 11
	CmdPoseDetectOn  Code = 12
	CmdPoseDetectOff Code = 13
	CmdCameraSwitch  Code = 14
)

// Outbound events.
const (
	EvtConnect         Code = 0x81
	EvtDisconnect      Code = 0x82
	EvtTimeout         Code = 0x83
	EvtError           Code = 0x84
	EvtDetectionResult Code = 0x85
	EvtUpgradeStatus   Code = 0x86
	EvtHeartbeat       Code = 0x87
	EvtVersion         Code = 0x88
)

const eventBase Code = 0x80

var codeNames = map[Code]string{
	CmdGetVersion:    "GetVersion",
	CmdReset:         "Reset",
	CmdUpgrade:       "Upgrade",
	CmdAIOn:          "AIOn",
	CmdAIOff:         "AIOff",
	CmdNNResult:      "NNResult",
	CmdHeartbeat:     "Heartbeat",
	CmdPTZControl:    "PTZControl",
	CmdModelSelect:   "ModelSelect",
	CmdFaceDetectOn:  "FaceDetectOn",
	CmdFaceDetectOff: "FaceDetectOff",
	CmdPoseDetectOn:  "PoseDetectOn",
	CmdPoseDetectOff: "PoseDetectOff",
	CmdCameraSwitch:  "CameraSwitch",

	EvtConnect:         "EventConnect",
	EvtDisconnect:      "EventDisconnect",
	EvtTimeout:         "EventTimeout",
	EvtError:           "EventError",
	EvtDetectionResult: "EventDetectionResult",
	EvtUpgradeStatus:   "EventUpgradeStatus",
	EvtHeartbeat:       "EventHeartbeat",
	EvtVersion:         "EventVersion",
}

// String returns the code's name, or a numeric form for unknown codes.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Known reports whether c is part of the enumerated code space.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// IsCommand reports whether c is a known inbound command.
func (c Code) IsCommand() bool {
	return c.Known() && c < eventBase
}

// IsEvent reports whether c is a known outbound event.
func (c Code) IsEvent() bool {
	return c.Known() && c > eventBase
}

// Codes returns every known code, commands first, each group in ascending
// numeric order.
func Codes() []Code {
	out := make([]Code, 0, len(codeNames))
	for c := CmdGetVersion; c <= CmdCameraSwitch; c++ {
		out = append(out, c)
	}
	for c := EvtConnect; c <= EvtVersion; c++ {
		out = append(out, c)
	}

	return out
}
