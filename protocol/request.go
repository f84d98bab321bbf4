package protocol

// Request is a decoded inbound command. The set of variants is closed.
type Request interface {
	// Pattern returns the canonical subject pattern this request arrived on
	Pattern() string
	isRequest()
}

// BootCommand asks the device to reboot or shut down
type BootCommand struct {
	Pi        int             `json:"pi"`
	EventType BootCommandType `json:"event_type"`
	Payload   map[string]any  `json:"payload,omitempty"`
}

// CamCommand starts or stops the camera service
type CamCommand struct {
	Pi        int            `json:"pi"`
	EventType CamCommandType `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SwupdatePayload describes the update image to apply
type SwupdatePayload struct {
	SwuURL       string `json:"swu_url"`
	Version      string `json:"version,omitempty"`
	VersionID    string `json:"version_id,omitempty"`
	VersionGroup string `json:"version_group,omitempty"`
}

// SwupdateCommand applies or rolls back a software update
type SwupdateCommand struct {
	Pi        int                 `json:"pi"`
	EventType SwupdateCommandType `json:"event_type"`
	Version   string              `json:"version"`
	Payload   SwupdatePayload     `json:"payload"`
}

// ConnectCloudAccount links the device to a cloud account
type ConnectCloudAccount struct {
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
	APIURI   string `json:"api_uri"`
}

// UnitRequest targets a single unit with StartUnit, StopUnit, RestartUnit or ReloadUnit.
// Method comes from the subject, not the payload.
type UnitRequest struct {
	Method SystemdMethod `json:"-"`
	Name   string        `json:"name"`
}

// UnitFilesRequest enables or disables unit files
type UnitFilesRequest struct {
	Method SystemdMethod `json:"-"`
	Files  []string      `json:"files"`
}

// SettingsLoad reads the current settings of a subsystem
type SettingsLoad struct {
	Subsystem Subsystem `json:"-"`
	Format    Format    `json:"format"`
}

// SettingsApply writes new settings for a subsystem on top of ParentCommit
type SettingsApply struct {
	Subsystem    Subsystem `json:"-"`
	Data         string    `json:"data"`
	ParentCommit string    `json:"parent_commit"`
	Format       Format    `json:"format"`
}

// SettingsRevert restores a subsystem's settings to Commit
type SettingsRevert struct {
	Subsystem Subsystem `json:"-"`
	Commit    string    `json:"commit"`
}

func (*BootCommand) Pattern() string         { return PatternBoot }
func (*CamCommand) Pattern() string          { return PatternCam }
func (*SwupdateCommand) Pattern() string     { return PatternSwupdate }
func (*ConnectCloudAccount) Pattern() string { return PatternConnectCloudAccount }
func (r *UnitRequest) Pattern() string       { return SystemdPattern(r.Method) }
func (r *UnitFilesRequest) Pattern() string  { return SystemdPattern(r.Method) }
func (r *SettingsLoad) Pattern() string      { return SettingsPattern(r.Subsystem, ActionLoad) }
func (r *SettingsApply) Pattern() string     { return SettingsPattern(r.Subsystem, ActionApply) }
func (r *SettingsRevert) Pattern() string    { return SettingsPattern(r.Subsystem, ActionRevert) }

func (*BootCommand) isRequest()         {}
func (*CamCommand) isRequest()          {}
func (*SwupdateCommand) isRequest()     {}
func (*ConnectCloudAccount) isRequest() {}
func (*UnitRequest) isRequest()         {}
func (*UnitFilesRequest) isRequest()    {}
func (*SettingsLoad) isRequest()        {}
func (*SettingsApply) isRequest()       {}
func (*SettingsRevert) isRequest()      {}
