package protocol

// Simple is a message that carries nothing but its command name.
type Simple struct {
	Cmd string `json:"cmd"`
}

func Ping() Simple { return Simple{Cmd: CmdPing} }
func Pong() Simple { return Simple{Cmd: CmdPong} }

type Reload struct {
	Cmd     string `json:"cmd"`
	Delayed bool   `json:"delayed,omitempty"`
}

func NewReload(delayed bool) Reload {
	return Reload{Cmd: CmdReload, Delayed: delayed}
}

// NTPRequest carries the client wall clock (unix ms) and its monotonic send time (ms).
type NTPRequest struct {
	Cmd            string  `json:"cmd"`
	LocalClockTime int64   `json:"localClockTime"`
	SendTimestamp  float64 `json:"sendTimestamp"`
}

// NTPResponse echoes the request's send timestamp next to the server wall clock (unix ms).
type NTPResponse struct {
	Cmd                 string  `json:"cmd"`
	ClientSendTimestamp float64 `json:"clientSendTimestamp"`
	ServerTime          int64   `json:"serverTime"`
}

// ExecRequest asks a display to evaluate Payload and answer with an ExecResult.
type ExecRequest struct {
	Cmd         string `json:"cmd"`
	ID          int64  `json:"id"`
	Payload     string `json:"payload"`
	DisplaySlug string `json:"displaySlug,omitempty"`
}

// ExecResult is the reply to an ExecRequest. Error and PEnd are null on the wire when unset.
type ExecResult struct {
	Cmd    string   `json:"cmd"`
	ID     int64    `json:"id"`
	ReqCmd string   `json:"reqCmd"`
	Error  *string  `json:"error"`
	Result any      `json:"result"`
	PStart float64  `json:"pStart"`
	PEnd   *float64 `json:"pEnd"`
}

// ResultCommand maps a request command to the command its result is sent under.
func ResultCommand(requestCmd string) (string, bool) {
	switch requestCmd {
	case CmdRemoteShell:
		return CmdRemoteShellResult, true
	case CmdDiagnostics:
		return CmdDiagnosticsResult, true
	default:
		return "", false
	}
}
