// Package wire defines the JSON frames exchanged over the /ws endpoint
// with biometric terminals and operator consoles. Every frame is a
// single JSON object; device-initiated frames carry a "cmd" tag,
// server replies carry "ret" set to the originating tag.
package wire

// TimeFormat is the wall-clock layout used by devices and in cloudtime
// fields.
const TimeFormat = "2006-01-02 15:04:05"

// Command tags understood by the router.
const (
	CmdReg      = "reg"
	CmdSendLog  = "sendlog"
	CmdSendUser = "senduser"
	CmdPing     = "ping"

	CmdAdminHello        = "admin_hello"
	CmdAdminPing         = "admin_ping"
	CmdAdminListDevices  = "admin_list_devices"
	CmdAdminAddUser      = "admin_add_user"
	CmdAdminDeleteUser   = "admin_delete_user"
	CmdAdminSetActive    = "admin_set_active"
	CmdAdminGetUser      = "admin_get_user"
	CmdAdminSearchByName = "admin_search_user_by_name"

	// Server-initiated device commands.
	CmdCleanUser = "cleanuser"
	CmdCleanLog  = "cleanlog"
)

// BackupNumFace is the backup slot tag that marks a face template.
// Other slots carry fingerprints or cards and are stored verbatim.
const BackupNumFace = 50

// Envelope is the minimal shape used to pick a dispatch handler.
type Envelope struct {
	Cmd string `json:"cmd"`
}

type RegFrame struct {
	Cmd string `json:"cmd"`
	SN  string `json:"sn"`
}

type RegReply struct {
	Ret        string `json:"ret"`
	Result     bool   `json:"result"`
	CloudTime  string `json:"cloudtime"`
	NoSendUser bool   `json:"nosenduser"`
}

type LogNote struct {
	Msg string `json:"msg"`
}

// LogRecord is one entry of a sendlog frame. Image is base-64 of a
// JPEG/PNG capture; it is empty for pure event records.
type LogRecord struct {
	EnrollID int     `json:"enrollid"`
	Time     string  `json:"time"`
	Note     LogNote `json:"note"`
	Image    string  `json:"image"`
}

type SendLogFrame struct {
	Cmd    string      `json:"cmd"`
	SN     string      `json:"sn"`
	Record []LogRecord `json:"record"`
}

// LogReply answers a single log record. Access 1 grants, 0 denies.
type LogReply struct {
	Ret       string `json:"ret"`
	Result    bool   `json:"result"`
	Access    int    `json:"access"`
	Message   string `json:"message"`
	CloudTime string `json:"cloudtime"`
}

// SendUserFrame is the legacy device-driven enrollment path.
type SendUserFrame struct {
	Cmd       string `json:"cmd"`
	SN        string `json:"sn"`
	EnrollID  int    `json:"enrollid"`
	BackupNum int    `json:"backupnum"`
	Name      string `json:"name"`
	Admin     int    `json:"admin"`
	Record    string `json:"record"`
}

type SendUserReply struct {
	Ret      string `json:"ret"`
	Result   bool   `json:"result"`
	EnrollID int    `json:"enrollid"`
	Error    string `json:"error,omitempty"`
}

type PingFrame struct {
	Cmd string `json:"cmd"`
	TS  int64  `json:"ts"`
}

type PongReply struct {
	Ret    string `json:"ret"`
	Result bool   `json:"result"`
	TS     int64  `json:"ts"`
}

// DeviceCommand is a bare server-to-device command such as cleanuser
// or cleanlog.
type DeviceCommand struct {
	Cmd string `json:"cmd"`
}
