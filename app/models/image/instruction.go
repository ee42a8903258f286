package image

import "strings"

type Kind string

const (
	KindFrom       Kind = "FROM"
	KindBootstrap  Kind = "BOOTSTRAP"
	KindRun        Kind = "RUN"
	KindCopy       Kind = "COPY"
	KindAdd        Kind = "ADD"
	KindWorkDir    Kind = "WORKDIR"
	KindEnv        Kind = "ENV"
	KindExpose     Kind = "EXPOSE"
	KindUser       Kind = "USER"
	KindVolume     Kind = "VOLUME"
	KindCmd        Kind = "CMD"
	KindEntrypoint Kind = "ENTRYPOINT"
	KindShell      Kind = "SHELL"
	KindLabel      Kind = "LABEL"
	KindArg        Kind = "ARG"
	KindStopSignal Kind = "STOPSIGNAL"
)

// Instruction is one parsed line of an instruction file. Which fields are
// set depends on Kind.
type Instruction struct {
	Kind Kind `json:"kind"`

	// Line number of the first physical line of the instruction
	Line int `json:"line"`

	// The instruction text after argument substitution
	Raw string `json:"raw"`

	// FROM image, WORKDIR, USER, STOPSIGNAL, ARG name, shell form RUN/CMD/ENTRYPOINT
	Value string `json:"value,omitempty"`

	// Exec form RUN/CMD/ENTRYPOINT/SHELL, COPY/ADD sources, VOLUME paths
	Args []string `json:"args,omitempty"`

	// ExecForm is set when Args came from a JSON array
	ExecForm bool `json:"exec_form,omitempty"`

	// COPY/ADD destination
	Dest string `json:"dest,omitempty"`

	// ENV and LABEL pairs in declaration order
	Pairs []Pair `json:"pairs,omitempty"`

	Ports []Port `json:"ports,omitempty"`

	// ARG default, nil when none was declared
	Default *string `json:"default,omitempty"`

	Bootstrap *BootstrapArgs `json:"bootstrap,omitempty"`
}

type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type BootstrapArgs struct {
	Version      string `json:"version,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Mirror       string `json:"mirror,omitempty"`
}

func (i Instruction) String() string {
	if i.Raw != "" {
		return i.Raw
	}
	return string(i.Kind) + " " + strings.Join(i.Args, " ")
}

// Command returns the argv an exec or shell form instruction runs with the
// given shell prefix.
func (i Instruction) Command(shell []string) []string {
	if i.ExecForm {
		return append([]string(nil), i.Args...)
	}
	if len(shell) == 0 {
		shell = DefaultShell
	}
	return append(append([]string(nil), shell...), i.Value)
}

var DefaultShell = []string{"/bin/sh", "-c"}

func (i Instruction) Clone() Instruction {
	out := i
	out.Args = append([]string(nil), i.Args...)
	out.Pairs = append([]Pair(nil), i.Pairs...)
	out.Ports = append([]Port(nil), i.Ports...)
	if i.Default != nil {
		d := *i.Default
		out.Default = &d
	}
	if i.Bootstrap != nil {
		b := *i.Bootstrap
		out.Bootstrap = &b
	}
	return out
}
