package protocol

// BootCommandType is the event_type of a boot command
type BootCommandType string

// Boot commands
const (
	Reboot   BootCommandType = "Reboot"
	Shutdown BootCommandType = "Shutdown"
)

// CamCommandType is the event_type of a camera command
type CamCommandType string

// Camera commands
const (
	CamStart CamCommandType = "CamStart"
	CamStop  CamCommandType = "CamStop"
)

// SwupdateCommandType is the event_type of a software update command
type SwupdateCommandType string

// Software update commands
const (
	Swupdate         SwupdateCommandType = "Swupdate"
	SwupdateRollback SwupdateCommandType = "SwupdateRollback"
)

// Status event types, grouped by domain
const (
	RebootStarted   = "RebootStarted"
	RebootSuccess   = "RebootSuccess"
	RebootError     = "RebootError"
	ShutdownStarted = "ShutdownStarted"
	ShutdownSuccess = "ShutdownSuccess"
	ShutdownError   = "ShutdownError"

	CamStarted      = "CamStarted"
	CamStartSuccess = "CamStartSuccess"
	CamStopStarted  = "CamStopStarted"
	CamStopped      = "CamStopped"
	CamError        = "CamError"

	SwupdateStarted = "SwupdateStarted"
	SwupdateSuccess = "SwupdateSuccess"
	SwupdateError   = "SwupdateError"
)

// Status domains, the last segment of a status subject
const (
	DomainBoot     = "boot"
	DomainCam      = "cam"
	DomainSwupdate = "swupdate"
)

// SystemdMethod names a systemd1.Manager method exposed over NATS
type SystemdMethod string

// Manager methods
const (
	StartUnit   SystemdMethod = "StartUnit"
	StopUnit    SystemdMethod = "StopUnit"
	RestartUnit SystemdMethod = "RestartUnit"
	ReloadUnit  SystemdMethod = "ReloadUnit"
	EnableUnit  SystemdMethod = "EnableUnit"
	DisableUnit SystemdMethod = "DisableUnit"
)

// Subsystem is a settings-managed service on the device
type Subsystem string

// Managed subsystems
const (
	OctoPrint   Subsystem = "octoprint"
	Klipper     Subsystem = "klipper"
	Moonraker   Subsystem = "moonraker"
	GstPipeline Subsystem = "gst_pipeline"
)

// Subsystems lists every managed subsystem
func Subsystems() []Subsystem {
	return []Subsystem{OctoPrint, Klipper, Moonraker, GstPipeline}
}

// Format is the serialization of a settings file
type Format string

// Settings formats
const (
	FormatIni  Format = "ini"
	FormatJSON Format = "json"
	FormatToml Format = "toml"
	FormatYaml Format = "yaml"
)

// Canonical patterns for command subjects
const (
	PatternBoot                = "pi.{pi_id}.command.boot"
	PatternCam                 = "pi.{pi_id}.command.cam"
	PatternSwupdate            = "pi.{pi_id}.command.swupdate"
	PatternConnectCloudAccount = "pi.{pi_id}.command.connect_cloud_account"

	// Lifecycle commands are also accepted on the status subjects their
	// events are published under.
	PatternBootStatus     = "pi.{pi_id}.status.boot"
	PatternCamStatus      = "pi.{pi_id}.status.cam"
	PatternSwupdateStatus = "pi.{pi_id}.status.swupdate"

	systemdPrefix  = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager."
	settingsPrefix = "pi.{pi_id}.settings."
)

// Settings actions
const (
	ActionLoad   = "load"
	ActionApply  = "apply"
	ActionRevert = "revert"
)

// SystemdPattern returns the canonical pattern for a Manager method
func SystemdPattern(method SystemdMethod) string {
	return systemdPrefix + string(method)
}

// SettingsPattern returns the canonical pattern for a settings action
func SettingsPattern(sub Subsystem, action string) string {
	return settingsPrefix + string(sub) + "." + action
}
