package types

import "time"

// CommandKind 前端发往引擎的指令类型
type CommandKind string

const (
	CommandStop          CommandKind = "stop"
	CommandUpdateConfig  CommandKind = "update_config"
	CommandSwitchAccount CommandKind = "switch_account"
)

// Command 引擎指令
type Command struct {
	Kind    CommandKind
	Patch   ConfigPatch
	Account string
}

// EventKind 引擎发往前端的事件类型
type EventKind string

const (
	EventLog                    EventKind = "log"
	EventStatusChanged          EventKind = "status_changed"
	EventAccountChanged         EventKind = "account_changed"
	EventAlert                  EventKind = "alert"
	EventReversalRecorded       EventKind = "reversal_recorded"
	EventHistoricalAnalysisDone EventKind = "historical_analysis_done"
	EventConfigApplied          EventKind = "config_applied"
)

// 引擎状态
const (
	StatusRunning        = "running"
	StatusStopped        = "stopped"
	StatusLicenseInvalid = "license_invalid"
)

// Event 引擎事件
type Event struct {
	Kind     EventKind
	Time     time.Time
	Text     string
	Level    string
	Status   string
	Account  string
	Alert    *CrossoverAlert
	Reversal *ReversalRecord
	Config   *EMACrossConfig
}
