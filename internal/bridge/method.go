package bridge

// Method is a request the application can make. The zero value is an
// unrecognized request.
type Method int

const (
	MethodUnknown Method = iota
	MethodStartKeepAlive
	MethodStopKeepAlive
	MethodInitServer
	MethodStartAdvertising
	MethodStopAdvertising
	MethodSendNotification
)

var methodNames = map[string]Method{
	"startKeepAlive":   MethodStartKeepAlive,
	"stopKeepAlive":    MethodStopKeepAlive,
	"initServer":       MethodInitServer,
	"startAdvertising": MethodStartAdvertising,
	"stopAdvertising":  MethodStopAdvertising,
	"sendNotification": MethodSendNotification,
}

// ParseMethod maps a request name to its Method. Names are case-sensitive.
func ParseMethod(name string) Method {
	return methodNames[name]
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}
	return "unknown"
}

// Event names sent to the application.
const (
	EventAdvertisingStarted    = "onAdvertisingStarted"
	EventAdvertisingFailed     = "onAdvertisingFailed"
	EventConnectionStateChange = "onConnectionStateChange"
	EventCharacteristicWrite   = "onCharacteristicWrite"
)

// Args carries request arguments. Only sendNotification uses them.
type Args struct {
	ServiceUUID string `json:"serviceUuid,omitempty" cbor:"serviceUuid,omitempty"`
	CharUUID    string `json:"charUuid,omitempty" cbor:"charUuid,omitempty"`
	Value       []byte `json:"value,omitempty" cbor:"value,omitempty"`
}

// Call is one request from the application.
type Call struct {
	Method string
	Args   Args
}

// ConnectionStateArgs is the payload of onConnectionStateChange.
type ConnectionStateArgs struct {
	Device string `json:"device" cbor:"device"`
	State  int    `json:"state" cbor:"state"`
}

// CharacteristicWriteArgs is the payload of onCharacteristicWrite.
type CharacteristicWriteArgs struct {
	Device string `json:"device" cbor:"device"`
	UUID   string `json:"uuid" cbor:"uuid"`
	Value  []byte `json:"value" cbor:"value"`
}
