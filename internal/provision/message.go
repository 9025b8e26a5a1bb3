package provision

// Wire format: one JSON object per transport message.
// Installer sends request types, device answers with reply types.
const (
	TypeInfo   = "info"
	TypeConfig = "config"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeAck    = "ack"
	TypeError  = "error"
)

const (
	IntfWifi     = "wifi"
	IntfEthernet = "ethernet"
	IntfCloud    = "cloud"
)

type Request struct {
	Type string `json:"t"`
	ID   int    `json:"id,omitempty"`

	// config
	Intf string `json:"intf,omitempty"`
	SSID string `json:"ssid,omitempty"`
	Pass string `json:"pass,omitempty"`
	Host string `json:"host,omitempty"`
	Auth string `json:"auth,omitempty"`
}

type Reply struct {
	Type string `json:"t"`
	ID   int    `json:"id,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"msg,omitempty"`

	// info
	Name            string   `json:"name,omitempty"`
	UID             string   `json:"uid,omitempty"`
	FirmwareVersion string   `json:"fwver,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
	Intfs           []string `json:"intfs,omitempty"`
}

type DeviceInfo struct {
	Name            string
	UID             string
	FirmwareVersion string
	Intfs           []string
}
