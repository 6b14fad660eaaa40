package meta

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// TypeRef names a type that may not be resolvable until Build. Exactly one of
// Type, GoType or Name should be set; the zero TypeRef means Void.
type TypeRef struct {
	Name   string
	Type   *BoundType
	GoType reflect.Type
}

// Ref refers to a type by name.
func Ref(name string) TypeRef { return TypeRef{Name: name} }

// RefType refers to an already declared type.
func RefType(t *BoundType) TypeRef { return TypeRef{Type: t} }

// RefGo refers to the type bound to a Go type.
func RefGo(rt reflect.Type) TypeRef { return TypeRef{GoType: rt} }

// IsZero reports whether the ref is unset.
func (r TypeRef) IsZero() bool {
	return r.Type == nil && r.GoType == nil && r.Name == ""
}

// String describes the reference for diagnostics.
func (r TypeRef) String() string {
	switch {
	case r.Type != nil:
		return r.Type.Name
	case r.GoType != nil:
		return r.GoType.String()
	case r.Name != "":
		return r.Name
	default:
		return "Void"
	}
}

// FunctionSpec describes a function to bind.
type FunctionSpec struct {
	Name       string
	Params     []TypeRef
	ParamNames []string
	// Return is the zero TypeRef for Void.
	Return   TypeRef
	Static   bool
	Virtual  bool
	Override bool
	Native   bool
	Location Location
	Invoke   Trampoline
}

// PropertySpec describes a property to bind.
type PropertySpec struct {
	Name    string
	Type    TypeRef
	Static  bool
	Native  bool
	Default any
	Get     Trampoline
	Set     Trampoline
}

type pendingFunction struct {
	owner *BoundType
	spec  FunctionSpec
	ctor  bool
}

type pendingProperty struct {
	owner *BoundType
	spec  PropertySpec
}

type pendingEvent struct {
	owner *BoundType
	name  string
	ref   TypeRef
}

// BuildSession builds several libraries in two phases so that co-dependent
// libraries can reference each other's types: every type is declared first,
// then members are resolved across the whole session at Build.
type BuildSession struct {
	builders []*LibraryBuilder
	built    bool
}

// NewBuildSession returns an empty session.
func NewBuildSession() *BuildSession {
	return &BuildSession{}
}

// NewLibrary adds a library builder to the session.
//
// Precondition: name must be non-empty.
func (s *BuildSession) NewLibrary(name string, deps ...*Library) *LibraryBuilder {
	b := &LibraryBuilder{
		name:    name,
		deps:    deps,
		session: s,
		byName:  make(map[string]*BoundType),
	}
	s.builders = append(s.builders, b)
	return b
}

// LibraryBuilder accumulates declarations for one library.
type LibraryBuilder struct {
	name    string
	deps    []*Library
	session *BuildSession
	noCore  bool

	types  []*BoundType
	byName map[string]*BoundType
	funcs  []pendingFunction
	props  []pendingProperty
	events []pendingEvent
	hooks  []LinkHook
	errs   []*BindingError

	lib *Library
}

// NewLibraryBuilder returns a builder in its own single-library session.
func NewLibraryBuilder(name string, deps ...*Library) *LibraryBuilder {
	return NewBuildSession().NewLibrary(name, deps...)
}

// Name returns the library name.
func (b *LibraryBuilder) Name() string { return b.name }

// Type returns a type declared in this builder.
func (b *LibraryBuilder) Type(name string) (*BoundType, bool) {
	t, ok := b.byName[name]
	return t, ok
}

// RegisterType declares a type. Re-registering an identical declaration
// returns the existing type; an incompatible one fails.
//
// Precondition: name must be non-empty.
// Postcondition: reference types default to HeapManager, value types to NoManager.
func (b *LibraryBuilder) RegisterType(name string, size int, base *BoundType, mode CopyMode) (*BoundType, error) {
	if b.session.built {
		return nil, ErrLibraryBuilt
	}
	if existing, ok := b.byName[name]; ok {
		if existing.Size == size && existing.Base == base && existing.CopyMode == mode {
			return existing, nil
		}
		return nil, &BindingError{
			Kind:    IncompatibleType,
			Library: b.name,
			Type:    name,
			Message: fmt.Sprintf("already registered with size %d, base %s, %s", existing.Size, existing.Base, existing.CopyMode),
		}
	}
	if base != nil && base.CopyMode != mode {
		return nil, &BindingError{
			Kind:    IncompatibleType,
			Library: b.name,
			Type:    name,
			Message: fmt.Sprintf("base %s is a %s", base.Name, base.CopyMode),
		}
	}
	t := &BoundType{
		Name:     name,
		Size:     size,
		Base:     base,
		CopyMode: mode,
	}
	if mode == ReferenceType {
		t.HandleManager = HeapManager
		if base != nil {
			t.HandleManager = base.HandleManager
		}
	}
	b.types = append(b.types, t)
	b.byName[name] = t
	return t, nil
}

func (b *LibraryBuilder) checkOwner(owner *BoundType, member string) error {
	if b.session.built {
		return ErrLibraryBuilt
	}
	if owner == nil || b.byName[owner.Name] != owner {
		return &BindingError{Kind: InvalidMember, Library: b.name, Type: owner.String(), Member: member, Message: "owner is not declared in this library"}
	}
	return nil
}

// AddFunction queues a function for resolution at Build.
func (b *LibraryBuilder) AddFunction(owner *BoundType, spec FunctionSpec) error {
	if err := b.checkOwner(owner, spec.Name); err != nil {
		return err
	}
	b.funcs = append(b.funcs, pendingFunction{owner: owner, spec: spec})
	return nil
}

// AddConstructor queues a constructor for resolution at Build.
func (b *LibraryBuilder) AddConstructor(owner *BoundType, params []TypeRef, native bool, invoke Trampoline) error {
	if err := b.checkOwner(owner, ConstructorName); err != nil {
		return err
	}
	b.funcs = append(b.funcs, pendingFunction{
		owner: owner,
		spec:  FunctionSpec{Name: ConstructorName, Params: params, Native: native, Invoke: invoke, Static: true},
		ctor:  true,
	})
	return nil
}

// AddProperty queues a property for resolution at Build.
func (b *LibraryBuilder) AddProperty(owner *BoundType, spec PropertySpec) error {
	if err := b.checkOwner(owner, spec.Name); err != nil {
		return err
	}
	b.props = append(b.props, pendingProperty{owner: owner, spec: spec})
	return nil
}

// AddEvent declares that owner sends the named event.
func (b *LibraryBuilder) AddEvent(owner *BoundType, name string, data TypeRef) error {
	if err := b.checkOwner(owner, name); err != nil {
		return err
	}
	b.events = append(b.events, pendingEvent{owner: owner, name: name, ref: data})
	return nil
}

// AddLinkHook attaches a per-state hook run when the library is linked.
func (b *LibraryBuilder) AddLinkHook(h LinkHook) error {
	if b.session.built {
		return ErrLibraryBuilt
	}
	b.hooks = append(b.hooks, h)
	return nil
}

// Fail records a binding error discovered by a higher-level binder; it is
// reported by Build together with resolution failures.
func (b *LibraryBuilder) Fail(err *BindingError) {
	if err.Library == "" {
		err.Library = b.name
	}
	b.errs = append(b.errs, err)
}

// Build builds the builder's session and returns this builder's library.
func (b *LibraryBuilder) Build() (*Library, error) {
	if _, err := b.session.Build(); err != nil {
		return nil, err
	}
	return b.lib, nil
}

// Build resolves all members of every library in the session, validates the
// result and freezes it.
//
// Postcondition: returns the libraries in session order, or a *BuildError
// listing every violation; a failed build produces no library.
func (s *BuildSession) Build() ([]*Library, error) {
	if s.built {
		out := make([]*Library, 0, len(s.builders))
		for _, b := range s.builders {
			if b.lib == nil {
				return nil, ErrLibraryBuilt
			}
			out = append(out, b.lib)
		}
		return out, nil
	}
	s.built = true

	r := &resolver{session: s, referenced: make(map[*LibraryBuilder]map[*LibraryBuilder]bool)}
	for _, b := range s.builders {
		r.errs = append(r.errs, b.errs...)
	}
	overrides := make(map[*Function]bool)
	for _, b := range s.builders {
		r.resolveFunctions(b, overrides)
		r.resolveProperties(b)
		r.resolveEvents(b)
	}
	for _, b := range s.builders {
		for _, t := range b.types {
			r.validateType(b, t)
		}
	}
	done := make(map[*BoundType]bool)
	for _, b := range s.builders {
		for _, t := range b.types {
			r.buildVTable(b, t, overrides, done)
		}
	}
	if len(r.errs) > 0 {
		return nil, &BuildError{Errors: r.errs}
	}

	for _, b := range s.builders {
		b.lib = &Library{
			Name:      b.name,
			Version:   uuid.New(),
			Types:     b.types,
			LinkHooks: b.hooks,
			byName:    b.byName,
		}
		for _, t := range b.types {
			t.Library = b.lib
		}
	}
	out := make([]*Library, 0, len(s.builders))
	for _, b := range s.builders {
		b.lib.Dependencies = r.dependencies(b)
		out = append(out, b.lib)
	}
	return out, nil
}

type resolver struct {
	session    *BuildSession
	errs       []*BindingError
	referenced map[*LibraryBuilder]map[*LibraryBuilder]bool
}

func (r *resolver) fail(kind BindingErrorKind, b *LibraryBuilder, owner *BoundType, member, format string, args ...any) {
	r.errs = append(r.errs, &BindingError{
		Kind:    kind,
		Library: b.name,
		Type:    owner.String(),
		Member:  member,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *resolver) ownerOf(t *BoundType) *LibraryBuilder {
	for _, b := range r.session.builders {
		if b.byName[t.Name] == t {
			return b
		}
	}
	return nil
}

func (r *resolver) note(from *LibraryBuilder, t *BoundType) {
	to := r.ownerOf(t)
	if to == nil || to == from {
		return
	}
	if r.referenced[from] == nil {
		r.referenced[from] = make(map[*LibraryBuilder]bool)
	}
	r.referenced[from][to] = true
}

// lookupModule is the search space outside the session: declared deps then Core.
func (b *LibraryBuilder) lookupModule() Module {
	m := Module(b.deps)
	if !b.noCore {
		m = append(Module{Core()}, m...)
	}
	return m
}

// reachable reports whether t is declared in the session or in b's dependency
// closure. Types of any other library are not visible to b.
func (r *resolver) reachable(b *LibraryBuilder, t *BoundType) bool {
	if r.ownerOf(t) != nil {
		return true
	}
	if t.Library == nil {
		return false
	}
	for _, l := range b.lookupModule().Closure() {
		if l == t.Library {
			return true
		}
	}
	return false
}

func (r *resolver) resolve(b *LibraryBuilder, ref TypeRef) (*BoundType, bool) {
	if ref.IsZero() {
		if b.noCore {
			return nil, false
		}
		return VoidType, true
	}
	if ref.Type != nil {
		if !r.reachable(b, ref.Type) {
			return nil, false
		}
		r.note(b, ref.Type)
		return ref.Type, true
	}
	match := func(t *BoundType) bool {
		if ref.GoType != nil {
			return t.GoType == ref.GoType
		}
		return t.Name == ref.Name
	}
	candidates := append([]*LibraryBuilder{b}, r.session.builders...)
	for _, sb := range candidates {
		for _, t := range sb.types {
			if match(t) {
				r.note(b, t)
				return t, true
			}
		}
	}
	m := b.lookupModule()
	if ref.GoType != nil {
		return m.FindGoType(ref.GoType)
	}
	return m.FindType(ref.Name)
}

func (r *resolver) resolveList(b *LibraryBuilder, owner *BoundType, member string, refs []TypeRef) ([]*BoundType, bool) {
	out := make([]*BoundType, len(refs))
	ok := true
	for i, ref := range refs {
		t, found := r.resolve(b, ref)
		if !found {
			r.fail(UnresolvedType, b, owner, member, "parameter %d type %s is not bound", i, ref)
			ok = false
			continue
		}
		if t == VoidType {
			r.fail(InvalidMember, b, owner, member, "parameter %d cannot be Void", i)
			ok = false
			continue
		}
		out[i] = t
	}
	return out, ok
}

func (r *resolver) resolveFunctions(b *LibraryBuilder, overrides map[*Function]bool) {
	for _, pf := range b.funcs {
		spec := pf.spec
		params, ok := r.resolveList(b, pf.owner, spec.Name, spec.Params)
		ret := pf.owner
		if !pf.ctor {
			var found bool
			ret, found = r.resolve(b, spec.Return)
			if !found {
				r.fail(UnresolvedType, b, pf.owner, spec.Name, "return type %s is not bound", spec.Return)
				ok = false
			}
		}
		if spec.Invoke == nil {
			r.fail(InvalidMember, b, pf.owner, spec.Name, "missing implementation")
			ok = false
		}
		if (spec.Virtual || spec.Override) && (spec.Static || pf.ctor) {
			r.fail(InvalidMember, b, pf.owner, spec.Name, "static functions cannot be virtual")
			ok = false
		}
		if (spec.Virtual || spec.Override) && pf.owner.IsValue() {
			r.fail(InvalidMember, b, pf.owner, spec.Name, "value types cannot declare virtual functions")
			ok = false
		}
		if !ok {
			continue
		}
		loc := spec.Location
		if spec.Native && loc == (Location{}) {
			loc = NativeLocation
		}
		fn := &Function{
			Name:       spec.Name,
			Owner:      pf.owner,
			Params:     params,
			ParamNames: spec.ParamNames,
			Return:     ret,
			Static:     spec.Static,
			Virtual:    spec.Virtual,
			Slot:       -1,
			Native:     spec.Native,
			Location:   loc,
			Invoke:     spec.Invoke,
		}
		if pf.ctor {
			pf.owner.Constructors = append(pf.owner.Constructors, fn)
			continue
		}
		if spec.Override {
			overrides[fn] = true
		}
		pf.owner.Functions = append(pf.owner.Functions, fn)
	}
}

func (r *resolver) resolveProperties(b *LibraryBuilder) {
	for _, pp := range b.props {
		spec := pp.spec
		t, found := r.resolve(b, spec.Type)
		if !found {
			r.fail(UnresolvedType, b, pp.owner, spec.Name, "property type %s is not bound", spec.Type)
			continue
		}
		if t == VoidType {
			r.fail(InvalidMember, b, pp.owner, spec.Name, "property cannot be Void")
			continue
		}
		if spec.Get == nil {
			r.fail(InvalidMember, b, pp.owner, spec.Name, "property has no getter")
			continue
		}
		if _, dup := pp.owner.FindProperty(spec.Name); dup {
			r.fail(DuplicateSignature, b, pp.owner, spec.Name, "property already declared")
			continue
		}
		loc := Location{}
		if spec.Native {
			loc = NativeLocation
		}
		p := &Property{
			Name:    spec.Name,
			Type:    t,
			Owner:   pp.owner,
			Static:  spec.Static,
			Default: spec.Default,
			Get:     spec.Get,
			Set:     spec.Set,
		}
		p.Getter = &Function{
			Name: "get_" + spec.Name, Owner: pp.owner, Params: []*BoundType{}, Return: t,
			Static: spec.Static, Slot: -1, Native: spec.Native, Location: loc, Invoke: spec.Get,
		}
		if spec.Set != nil {
			p.Setter = &Function{
				Name: "set_" + spec.Name, Owner: pp.owner, Params: []*BoundType{t}, ParamNames: []string{"value"},
				Return: VoidType, Static: spec.Static, Slot: -1, Native: spec.Native, Location: loc, Invoke: spec.Set,
			}
		}
		pp.owner.Properties = append(pp.owner.Properties, p)
	}
}

func (r *resolver) resolveEvents(b *LibraryBuilder) {
	for _, pe := range b.events {
		t, found := r.resolve(b, pe.ref)
		if !found {
			r.fail(UnresolvedType, b, pe.owner, pe.name, "event data type %s is not bound", pe.ref)
			continue
		}
		pe.owner.Events = append(pe.owner.Events, EventDecl{Name: pe.name, Type: t})
	}
}

func (r *resolver) validateType(b *LibraryBuilder, t *BoundType) {
	if t.Base != nil {
		if r.reachable(b, t.Base) {
			r.note(b, t.Base)
		} else {
			r.fail(UnresolvedType, b, t, "", "base %s is not in the dependencies of %s", t.Base, b.name)
		}
	}
	for i, fn := range t.Functions {
		for _, other := range t.Functions[:i] {
			if other.Name == fn.Name && other.HasParams(fn.Params) {
				r.fail(DuplicateSignature, b, t, fn.Name, "signature %s registered twice", fn.Signature())
			}
		}
	}
	for i, ctor := range t.Constructors {
		for _, other := range t.Constructors[:i] {
			if other.HasParams(ctor.Params) {
				r.fail(DuplicateSignature, b, t, ConstructorName, "constructor %s registered twice", ctor.Signature())
			}
		}
	}
	switch {
	case t.IsValue() && t.HandleManager != NoManager:
		r.fail(InvalidMember, b, t, "", "value types cannot have a handle manager")
	case !t.IsValue() && t.IsInstantiable() && t.HandleManager == NoManager:
		r.fail(InvalidMember, b, t, "", "instantiable reference types need a handle manager")
	}
}

func (r *resolver) buildVTable(b *LibraryBuilder, t *BoundType, overrides map[*Function]bool, done map[*BoundType]bool) {
	if done[t] {
		return
	}
	done[t] = true
	var table []*Function
	native := 0
	if t.Base != nil {
		if owner := r.ownerOf(t.Base); owner != nil {
			r.buildVTable(owner, t.Base, overrides, done)
		}
		table = append(table, t.Base.VTable...)
		native = t.Base.NativeVirtualCount
	}
	for _, fn := range t.Functions {
		switch {
		case overrides[fn]:
			slot := -1
			for i, inherited := range table {
				if inherited.Name == fn.Name && inherited.HasParams(fn.Params) && inherited.Return == fn.Return {
					slot = i
					break
				}
			}
			if slot < 0 {
				r.fail(InvalidMember, b, t, fn.Name, "%s overrides no inherited virtual function", fn.Signature())
				continue
			}
			fn.Virtual = true
			fn.Slot = slot
			table[slot] = fn
		case fn.Virtual:
			for _, inherited := range table {
				if inherited.Name == fn.Name && inherited.HasParams(fn.Params) {
					r.fail(InvalidMember, b, t, fn.Name, "%s hides an inherited virtual function; declare it as an override", fn.Signature())
				}
			}
			fn.Slot = len(table)
			table = append(table, fn)
			if fn.Native {
				native++
			}
		}
	}
	t.VTable = table
	t.NativeVirtualCount = native
}

func (r *resolver) dependencies(b *LibraryBuilder) []*Library {
	var out []*Library
	seen := make(map[*Library]bool)
	add := func(l *Library) {
		if l != nil && l != b.lib && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	if !b.noCore {
		add(Core())
	}
	for _, d := range b.deps {
		add(d)
	}
	for _, other := range r.session.builders {
		if r.referenced[b][other] {
			add(other.lib)
		}
	}
	return out
}
