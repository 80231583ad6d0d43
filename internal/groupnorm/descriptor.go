package groupnorm

// OpName is the name the kernel is registered under.
const OpName = "testgroupnorm"

// Input and output port names, in positional order.
const (
	InputX         = "X"
	InputNumGroups = "num_groups"
	InputScale     = "scale"
	InputBias      = "bias"
	OutputY        = "Y"
)

type ElementType int

const (
	ElementUndefined ElementType = iota
	ElementFloat32
)

func (t ElementType) String() string {
	switch t {
	case ElementFloat32:
		return "float32"
	default:
		return "undefined"
	}
}

// Port is one typed input or output slot of an op.
type Port struct {
	Name string      `json:"name"`
	Type ElementType `json:"type"`
}

// Descriptor is the static capability declaration a host uses to validate
// graph wiring before the kernel is ever invoked.
type Descriptor struct {
	Name    string `json:"name"`
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

func (d Descriptor) InputTypeCount() int  { return len(d.Inputs) }
func (d Descriptor) OutputTypeCount() int { return len(d.Outputs) }

// InputIndex returns the positional index of the named input or -1.
func (d Descriptor) InputIndex(name string) int {
	for i, p := range d.Inputs {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// KernelDescriptor declares four float32 inputs and one float32 output.
func KernelDescriptor() Descriptor {
	return Descriptor{
		Name: OpName,
		Inputs: []Port{
			{Name: InputX, Type: ElementFloat32},
			{Name: InputNumGroups, Type: ElementFloat32},
			{Name: InputScale, Type: ElementFloat32},
			{Name: InputBias, Type: ElementFloat32},
		},
		Outputs: []Port{
			{Name: OutputY, Type: ElementFloat32},
		},
	}
}
