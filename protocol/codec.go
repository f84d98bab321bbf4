package protocol

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	errs "github.com/edgecmd/edgeworker/errors"
)

// variant ties a canonical pattern to its payload schema and constructors.
// Constructors pre-fill the fields that come from the pattern rather than the payload.
type variant struct {
	schema     *gojsonschema.Schema
	newRequest func() Request
	newReply   func() Reply
}

var variants = buildVariants()

func buildVariants() map[string]variant {
	v := map[string]variant{
		PatternBoot: {
			schema:     mustSchema(commandSchema(string(Reboot), string(Shutdown))),
			newRequest: func() Request { return &BootCommand{} },
			newReply:   func() Reply { return &BootCommandReply{Req: &BootCommand{}} },
		},
		PatternCam: {
			schema:     mustSchema(commandSchema(string(CamStart), string(CamStop))),
			newRequest: func() Request { return &CamCommand{} },
			newReply:   func() Reply { return &CamCommandReply{Req: &CamCommand{}} },
		},
		PatternSwupdate: {
			schema:     mustSchema(swupdateSchema),
			newRequest: func() Request { return &SwupdateCommand{} },
			newReply:   func() Reply { return &SwupdateCommandReply{Req: &SwupdateCommand{}} },
		},
		PatternConnectCloudAccount: {
			schema:     mustSchema(connectCloudAccountSchema),
			newRequest: func() Request { return &ConnectCloudAccount{} },
			newReply:   func() Reply { return &ConnectCloudAccountReply{Req: &ConnectCloudAccount{}} },
		},
	}

	v[PatternBootStatus] = v[PatternBoot]
	v[PatternCamStatus] = v[PatternCam]
	v[PatternSwupdateStatus] = v[PatternSwupdate]

	unit := mustSchema(unitSchema)
	for _, method := range []SystemdMethod{StartUnit, StopUnit, RestartUnit, ReloadUnit} {
		v[SystemdPattern(method)] = variant{
			schema:     unit,
			newRequest: func() Request { return &UnitRequest{Method: method} },
			newReply:   func() Reply { return &UnitJobReply{Req: &UnitRequest{Method: method}} },
		}
	}

	unitFiles := mustSchema(unitFilesSchema)
	for _, method := range []SystemdMethod{EnableUnit, DisableUnit} {
		v[SystemdPattern(method)] = variant{
			schema:     unitFiles,
			newRequest: func() Request { return &UnitFilesRequest{Method: method} },
			newReply:   func() Reply { return &UnitFilesReply{Req: &UnitFilesRequest{Method: method}} },
		}
	}

	load := mustSchema(settingsLoadSchema)
	apply := mustSchema(settingsApplySchema)
	revert := mustSchema(settingsRevertSchema)
	for _, sub := range Subsystems() {
		v[SettingsPattern(sub, ActionLoad)] = variant{
			schema:     load,
			newRequest: func() Request { return &SettingsLoad{Subsystem: sub} },
			newReply:   func() Reply { return &SettingsLoadReply{Req: &SettingsLoad{Subsystem: sub}} },
		}
		v[SettingsPattern(sub, ActionApply)] = variant{
			schema:     apply,
			newRequest: func() Request { return &SettingsApply{Subsystem: sub} },
			newReply:   func() Reply { return &SettingsApplyReply{Req: &SettingsApply{Subsystem: sub}} },
		}
		v[SettingsPattern(sub, ActionRevert)] = variant{
			schema:     revert,
			newRequest: func() Request { return &SettingsRevert{Subsystem: sub} },
			newReply:   func() Reply { return &SettingsRevertReply{Req: &SettingsRevert{Subsystem: sub}} },
		}
	}

	return v
}

// Patterns returns every registered canonical pattern, sorted
func Patterns() []string {
	out := make([]string, 0, len(variants))
	for p := range variants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsKnown reports whether pattern has a request variant
func IsKnown(pattern string) bool {
	_, ok := variants[pattern]
	return ok
}

// DecodeRequest decodes data as the request variant registered for pattern
func DecodeRequest(pattern string, data []byte) (Request, error) {
	v, ok := variants[pattern]
	if !ok {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrUnknownSubject, pattern),
			"protocol", "DecodeRequest", "resolve pattern")
	}

	if err := validate(v.schema, data); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err),
			"protocol", "DecodeRequest", "validate payload")
	}

	req := v.newRequest()
	if err := json.Unmarshal(data, req); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err),
			"protocol", "DecodeRequest", "unmarshal payload")
	}
	return req, nil
}

// EncodeRequest encodes req with its pattern in the "subject" field
func EncodeRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, errs.WrapInvalid(errs.ErrMalformedPayload, "protocol", "EncodeRequest", "check request")
	}
	return withSubject(req.Pattern(), req)
}

// EncodeReply encodes reply with its pattern in the "subject" field
func EncodeReply(reply Reply) ([]byte, error) {
	if reply == nil || reply.Request() == nil {
		return nil, errs.WrapInvalid(errs.ErrMalformedPayload, "protocol", "EncodeReply", "check reply")
	}
	return withSubject(reply.Pattern(), reply)
}

// DecodeReply decodes data as the reply variant registered for pattern
func DecodeReply(pattern string, data []byte) (Reply, error) {
	v, ok := variants[pattern]
	if !ok {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrUnknownSubject, pattern),
			"protocol", "DecodeReply", "resolve pattern")
	}

	reply := v.newReply()
	if err := json.Unmarshal(data, reply); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err),
			"protocol", "DecodeReply", "unmarshal reply")
	}
	return reply, nil
}

// ErrorEnvelope replaces a Reply when handling fails
type ErrorEnvelope struct {
	Request        Request `json:"request"`
	Error          string  `json:"error"`
	SubjectPattern string  `json:"subject_pattern"`
}

// EncodeError builds and encodes the ErrorEnvelope for a failed request
func EncodeError(req Request, pattern string, handlerErr error) ([]byte, error) {
	env := ErrorEnvelope{
		Request:        req,
		SubjectPattern: pattern,
	}
	if handlerErr != nil {
		env.Error = handlerErr.Error()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(err, "protocol", "EncodeError", "marshal envelope")
	}
	return data, nil
}

// DecodeError decodes an ErrorEnvelope, resolving the embedded request by its pattern
func DecodeError(data []byte) (*ErrorEnvelope, error) {
	var wire struct {
		Request        json.RawMessage `json:"request"`
		Error          string          `json:"error"`
		SubjectPattern string          `json:"subject_pattern"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err),
			"protocol", "DecodeError", "unmarshal envelope")
	}

	env := &ErrorEnvelope{Error: wire.Error, SubjectPattern: wire.SubjectPattern}
	if len(wire.Request) == 0 || string(wire.Request) == "null" {
		return env, nil
	}

	v, ok := variants[wire.SubjectPattern]
	if !ok {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrUnknownSubject, wire.SubjectPattern),
			"protocol", "DecodeError", "resolve pattern")
	}
	req := v.newRequest()
	if err := json.Unmarshal(wire.Request, req); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err),
			"protocol", "DecodeError", "unmarshal request")
	}
	env.Request = req
	return env, nil
}

// withSubject marshals v and adds the "subject" discriminator at the top level
func withSubject(pattern string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(err, "protocol", "encode", "marshal body")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errs.Wrap(err, "protocol", "encode", "split body")
	}

	subj, err := json.Marshal(pattern)
	if err != nil {
		return nil, errs.Wrap(err, "protocol", "encode", "marshal subject")
	}
	fields["subject"] = subj

	return json.Marshal(fields)
}
