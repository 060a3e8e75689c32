package wire

// Operator console frames. A connected operator is trusted; the role
// is assigned when the session's first command is admin_hello.

type AdminHelloReply struct {
	Ret        string `json:"ret"`
	Result     bool   `json:"result"`
	Message    string `json:"message"`
	ServerTime string `json:"serverTime"`
}

type AdminAddUserFrame struct {
	Cmd      string `json:"cmd"`
	DeviceSN string `json:"deviceSn"`
	Name     string `json:"name"`
	IsAdmin  int    `json:"isAdmin"`
}

type AdminAddUserReply struct {
	Ret      string `json:"ret"`
	Result   bool   `json:"result"`
	EnrollID int    `json:"enrollId,omitempty"`
	DeviceSN string `json:"deviceSn,omitempty"`
	Name     string `json:"name,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AdminUserFrame addresses a single user for delete/set_active/get.
type AdminUserFrame struct {
	Cmd      string `json:"cmd"`
	EnrollID int    `json:"enrollId"`
	Active   bool   `json:"active"`
}

// AdminReply is the generic success/failure shape for operator
// commands with no extra payload.
type AdminReply struct {
	Ret    string `json:"ret"`
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

type DeviceListReply struct {
	Ret     string   `json:"ret"`
	Result  bool     `json:"result"`
	Devices []string `json:"devices"`
}

type UserInfoReply struct {
	Ret      string `json:"ret"`
	Result   bool   `json:"result"`
	EnrollID int    `json:"enrollId,omitempty"`
	Name     string `json:"name,omitempty"`
	IsActive bool   `json:"isActive,omitempty"`
	HasFace  bool   `json:"hasFace,omitempty"`
	Error    string `json:"error,omitempty"`
}

type AdminSearchFrame struct {
	Cmd  string `json:"cmd"`
	Name string `json:"name"`
}

type UserSummary struct {
	EnrollID int    `json:"enrollId"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

type SearchReply struct {
	Ret    string        `json:"ret"`
	Result bool          `json:"result"`
	Users  []UserSummary `json:"users"`
}

// Liveness is the anti-spoof telemetry attached to a live scan.
type Liveness struct {
	Score  float32 `json:"Score"`
	Prob   float32 `json:"Prob"`
	TimeMs int64   `json:"TimeMs"`
}

// LiveScan is pushed to every operator after a recognition attempt.
type LiveScan struct {
	Ret        string    `json:"ret"`
	DeviceSN   string    `json:"deviceSn"`
	DeviceIP   string    `json:"deviceIp"`
	Time       string    `json:"time"`
	Matched    bool      `json:"matched"`
	MatchScore float32   `json:"matchScore"`
	EnrollID   int       `json:"enrollId"`
	UserName   string    `json:"userName"`
	IsActive   bool      `json:"isActive"`
	HasFace    bool      `json:"hasFace"`
	Liveness   *Liveness `json:"liveness"`
}

const (
	RetLiveScan       = "live_scan"
	RetEnrollComplete = "admin_enroll_complete"
)

// EnrollComplete is broadcast to operators when a pending enrollment
// commits.
type EnrollComplete struct {
	Ret      string `json:"ret"`
	EnrollID int    `json:"enrollId"`
	Username string `json:"username"`
	DeviceSN string `json:"deviceSn"`
}
