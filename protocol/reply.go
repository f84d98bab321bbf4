package protocol

import (
	"encoding/json"
	"fmt"
)

// Reply is the successful outcome of a Request. Request returns the originating
// request, so reply.Request() == req for every handled req.
type Reply interface {
	Pattern() string
	Request() Request
	isReply()
}

// BootCommandReply answers a BootCommand. EventType is the last status event
// published for the invocation.
type BootCommandReply struct {
	Req       *BootCommand `json:"request"`
	EventType string       `json:"event_type"`
}

// CamCommandReply answers a CamCommand
type CamCommandReply struct {
	Req       *CamCommand `json:"request"`
	EventType string      `json:"event_type"`
}

// SwupdateCommandReply answers a SwupdateCommand
type SwupdateCommandReply struct {
	Req       *SwupdateCommand `json:"request"`
	EventType string           `json:"event_type"`
}

// ConnectCloudAccountReply answers a ConnectCloudAccount
type ConnectCloudAccountReply struct {
	Req    *ConnectCloudAccount `json:"request"`
	Detail string               `json:"detail"`
}

// UnitJobReply carries the object path of the job systemd queued
type UnitJobReply struct {
	Req *UnitRequest `json:"request"`
	Job string       `json:"job"`
}

// UnitFileChange is one symlink change made by EnableUnitFiles or DisableUnitFiles.
// It is encoded as the array [type, filename, destination].
type UnitFileChange struct {
	Type        string
	Filename    string
	Destination string
}

// MarshalJSON encodes the change as a three element array
func (c UnitFileChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{c.Type, c.Filename, c.Destination})
}

// UnmarshalJSON decodes a three element array
func (c *UnitFileChange) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("unit file change must have 3 elements, got %d", len(raw))
	}
	c.Type, c.Filename, c.Destination = raw[0], raw[1], raw[2]
	return nil
}

// UnitFilesReply lists the changes applied for a UnitFilesRequest
type UnitFilesReply struct {
	Req     *UnitFilesRequest `json:"request"`
	Changes []UnitFileChange  `json:"changes"`
}

// SettingsLoadReply carries the current settings file and the commit it was read at
type SettingsLoadReply struct {
	Req          *SettingsLoad `json:"request"`
	Data         string        `json:"data"`
	Format       Format        `json:"format"`
	ParentCommit string        `json:"parent_commit"`
}

// SettingsApplyReply answers a SettingsApply
type SettingsApplyReply struct {
	Req          *SettingsApply `json:"request"`
	ParentCommit string         `json:"parent_commit"`
}

// SettingsRevertReply answers a SettingsRevert
type SettingsRevertReply struct {
	Req          *SettingsRevert `json:"request"`
	ParentCommit string          `json:"parent_commit"`
}

func (r *BootCommandReply) Request() Request         { return r.Req }
func (r *CamCommandReply) Request() Request          { return r.Req }
func (r *SwupdateCommandReply) Request() Request     { return r.Req }
func (r *ConnectCloudAccountReply) Request() Request { return r.Req }
func (r *UnitJobReply) Request() Request             { return r.Req }
func (r *UnitFilesReply) Request() Request           { return r.Req }
func (r *SettingsLoadReply) Request() Request        { return r.Req }
func (r *SettingsApplyReply) Request() Request       { return r.Req }
func (r *SettingsRevertReply) Request() Request      { return r.Req }

func (*BootCommandReply) Pattern() string         { return PatternBoot }
func (*CamCommandReply) Pattern() string          { return PatternCam }
func (*SwupdateCommandReply) Pattern() string     { return PatternSwupdate }
func (*ConnectCloudAccountReply) Pattern() string { return PatternConnectCloudAccount }
func (r *UnitJobReply) Pattern() string           { return r.Req.Pattern() }
func (r *UnitFilesReply) Pattern() string         { return r.Req.Pattern() }
func (r *SettingsLoadReply) Pattern() string      { return r.Req.Pattern() }
func (r *SettingsApplyReply) Pattern() string     { return r.Req.Pattern() }
func (r *SettingsRevertReply) Pattern() string    { return r.Req.Pattern() }

func (*BootCommandReply) isReply()         {}
func (*CamCommandReply) isReply()          {}
func (*SwupdateCommandReply) isReply()     {}
func (*ConnectCloudAccountReply) isReply() {}
func (*UnitJobReply) isReply()             {}
func (*UnitFilesReply) isReply()           {}
func (*SettingsLoadReply) isReply()        {}
func (*SettingsApplyReply) isReply()       {}
func (*SettingsRevertReply) isReply()      {}
