package config

import "encoding/json"

// PairedClient is a client certificate the host has accepted through the
// pairing handshake. Identity is certificate equality modulo X.509
// verification, never byte-equality (see cryptoutil.CertificatesEqual).
type PairedClient struct {
	ClientID       string `json:"client_id"`
	ClientCert     string `json:"client_cert"` // PEM
	AppStateFolder string `json:"app_state_folder"`
	RunUID         int    `json:"run_uid"`
	RunGID         int    `json:"run_gid"`
}

// JoypadType selects which virtual controller profile a launched app expects.
type JoypadType string

const (
	JoypadXbox     JoypadType = "xbox"
	JoypadPS       JoypadType = "ps"
	JoypadNintendo JoypadType = "nintendo"
	JoypadAuto     JoypadType = "auto"
)

// RunnerKind discriminates the Runner tagged union on the wire ("type" field).
type RunnerKind string

const (
	RunnerCommand   RunnerKind = "process"
	RunnerContainer RunnerKind = "container"
)

// Mount is a single host/guest bind mount a Container runner applies.
type Mount struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
}

// CommandRunner launches a child process directly on the host (spec §4.5).
type CommandRunner struct {
	RunCmd []string `json:"run_cmd"`
}

// ContainerRunner starts a container from an image, mounting the session
// state folder and any listed device paths (spec §4.5).
type ContainerRunner struct {
	Image   string   `json:"image"`
	Mounts  []Mount  `json:"mounts"`
	Devices []string `json:"devices"`
}

// Runner is a tagged union over {CommandRunner, ContainerRunner}. Exactly
// one of Command/Container is non-nil; Kind names which.
type Runner struct {
	Kind      RunnerKind       `json:"type"`
	Command   *CommandRunner   `json:"command,omitempty"`
	Container *ContainerRunner `json:"container,omitempty"`
}

// MarshalJSON flattens the tagged union so the wire form matches spec §6:
// a single object carrying "type" plus that variant's own fields, rather
// than a nested "command"/"container" envelope.
func (r Runner) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RunnerCommand:
		if r.Command == nil {
			return nil, errRunnerVariantMissing(RunnerCommand)
		}
		return json.Marshal(struct {
			Type RunnerKind `json:"type"`
			CommandRunner
		}{Type: RunnerCommand, CommandRunner: *r.Command})
	case RunnerContainer:
		if r.Container == nil {
			return nil, errRunnerVariantMissing(RunnerContainer)
		}
		return json.Marshal(struct {
			Type RunnerKind `json:"type"`
			ContainerRunner
		}{Type: RunnerContainer, ContainerRunner: *r.Container})
	default:
		return nil, errUnknownRunnerKind(r.Kind)
	}
}

// UnmarshalJSON reads the tagged union back using the "type" discriminator.
func (r *Runner) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type RunnerKind `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}

	switch discriminator.Type {
	case RunnerCommand:
		var cmd CommandRunner
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		r.Kind = RunnerCommand
		r.Command = &cmd
	case RunnerContainer:
		var container ContainerRunner
		if err := json.Unmarshal(data, &container); err != nil {
			return err
		}
		r.Kind = RunnerContainer
		r.Container = &container
	default:
		return errUnknownRunnerKind(discriminator.Type)
	}
	return nil
}

// App describes a launchable application, immutable after load (spec §3).
type App struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	ImagePath             string     `json:"image_path"`
	SupportHDR            bool       `json:"support_hdr"`
	H264GstPipeline       string     `json:"h264_gst_pipeline"`
	HEVCGstPipeline       string     `json:"hevc_gst_pipeline"`
	AV1GstPipeline        string     `json:"av1_gst_pipeline"`
	OpusGstPipeline       string     `json:"opus_gst_pipeline"`
	RenderNode            string     `json:"render_node"`
	StartVirtualCompositor bool      `json:"start_virtual_compositor"`
	JoypadType            JoypadType `json:"joypad_type"`
	Runner                Runner     `json:"runner"`
}

// Config is the full persisted state (spec §6 Persisted state file).
// PairedClients and Apps are treated as atomically swappable snapshots by
// package store; Config itself is just the serializable value.
type Config struct {
	Hostname      string         `json:"hostname"`
	UUID          string         `json:"uuid"`
	HostCert      string         `json:"host_cert"` // PEM
	HostKey       string         `json:"host_key"`  // PEM
	SupportHEVC   bool           `json:"support_hevc"`
	SupportAV1    bool           `json:"support_av1"`
	PairedClients []PairedClient `json:"paired_clients"`
	Apps          []App          `json:"apps"`
}

// Clone returns a deep copy of cfg, used by store.Store to build the next
// RCU snapshot without aliasing the previous one's slices.
func (c Config) Clone() Config {
	clone := c
	clone.PairedClients = append([]PairedClient(nil), c.PairedClients...)
	clone.Apps = append([]App(nil), c.Apps...)
	return clone
}

func errUnknownRunnerKind(kind RunnerKind) error {
	return &unknownRunnerKindError{kind: kind}
}

type unknownRunnerKindError struct{ kind RunnerKind }

func (e *unknownRunnerKindError) Error() string {
	return "config: unknown runner type " + string(e.kind)
}

func errRunnerVariantMissing(kind RunnerKind) error {
	return &runnerVariantMissingError{kind: kind}
}

type runnerVariantMissingError struct{ kind RunnerKind }

func (e *runnerVariantMissingError) Error() string {
	return "config: runner declares type " + string(e.kind) + " but the matching variant is nil"
}
