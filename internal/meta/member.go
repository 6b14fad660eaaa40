package meta

import (
	"context"
	"fmt"
	"strings"
)

// Frame is the view of an active call frame that trampolines marshal through.
type Frame interface {
	// Context carries the calling state and the deadline of the outermost call.
	Context() context.Context
	Function() *Function
	// This is the receiver: a handle for reference types, a copy for value types.
	This() any
	Arg(i int) any
	ArgCount() int
	SetReturn(v any)
}

// Trampoline bridges the uniform call protocol to one member implementation.
type Trampoline func(f Frame) error

// Location is the source position of a member or a fault.
type Location struct {
	Origin string
	Line   int
}

// NativeLocation marks members and faults originating in Go code.
var NativeLocation = Location{Origin: "native"}

// String formats the location as "origin:line" or "native".
func (l Location) String() string {
	if l.Origin == "" || l.Origin == "native" {
		return "native"
	}
	if l.Line <= 0 {
		return l.Origin
	}
	return fmt.Sprintf("%s:%d", l.Origin, l.Line)
}

// Function is a bound method, static function, constructor or accessor.
type Function struct {
	Name       string
	Owner      *BoundType
	Params     []*BoundType
	ParamNames []string
	Return     *BoundType
	Static     bool
	Virtual    bool
	// Slot is the dispatch table index of a virtual function, -1 otherwise.
	Slot     int
	Native   bool
	Location Location
	Invoke   Trampoline
}

// HasParams reports exact parameter-list equality.
func (f *Function) HasParams(params []*BoundType) bool {
	if len(f.Params) != len(params) {
		return false
	}
	for i, p := range f.Params {
		if p != params[i] {
			return false
		}
	}
	return true
}

// IsConstructor reports whether f constructs its owner.
func (f *Function) IsConstructor() bool {
	return f.Name == ConstructorName
}

// Signature renders "Name(T1, T2) : R".
func (f *Function) Signature() string {
	names := make([]string, len(f.Params))
	for i, p := range f.Params {
		names[i] = p.String()
	}
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteByte('(')
	b.WriteString(strings.Join(names, ", "))
	b.WriteByte(')')
	if f.Return != nil && f.Return != VoidType {
		b.WriteString(" : ")
		b.WriteString(f.Return.Name)
	}
	return b.String()
}

// QualifiedName renders "Owner.Name".
func (f *Function) QualifiedName() string {
	if f.Owner == nil {
		return f.Name
	}
	return f.Owner.Name + "." + f.Name
}

// ConstructorName is the member name shared by all constructors.
const ConstructorName = "constructor"

// Property is a named, typed member with accessor trampolines.
type Property struct {
	Name   string
	Type   *BoundType
	Owner  *BoundType
	Static bool
	// Default is the initial value of static storage.
	Default any
	Get     Trampoline
	// Set is nil for read-only properties.
	Set Trampoline

	// Getter and Setter expose the accessors as callable functions; built by the library builder.
	Getter *Function
	Setter *Function
}

// ReadOnly reports whether the property has no setter.
func (p *Property) ReadOnly() bool {
	return p.Set == nil
}

// EventDecl declares that a type sends the named event carrying Type data.
type EventDecl struct {
	Name string
	Type *BoundType
}
