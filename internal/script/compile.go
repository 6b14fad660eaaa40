package script

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

type options struct {
	instructionLimit int
}

// Option configures Compile.
type Option func(*options)

// WithInstructionLimit aborts a call after n Lua instructions, counted from
// the outermost entry into script code. Zero means unlimited.
func WithInstructionLimit(n int) Option {
	return func(o *options) { o.instructionLimit = n }
}

// library is a compiled scripted library. It is the link hook that gives
// every ExecutableState its own Host.
type library struct {
	name   string
	protos []*lua.FunctionProto
	types  []*scriptedType
	limit  int
	logger *zap.Logger
}

type scriptedType struct {
	decl  TypeDecl
	bound *meta.BoundType
}

// Compile compiles the manifest's sources and binds its types into a library
// that depends on the manifest's dependencies, looked up by name in deps.
//
// Precondition: m must not be nil; logger must not be nil.
// Postcondition: returns a built library or an error naming the first syntax
// error or every binding failure.
func Compile(m *Manifest, deps meta.Module, logger *zap.Logger, opts ...Option) (*meta.Library, error) {
	if m == nil {
		panic("script.Compile: m must not be nil")
	}
	if logger == nil {
		panic("script.Compile: logger must not be nil")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.instructionLimit < 0 {
		return nil, fmt.Errorf("compiling %s: instruction limit must be >= 0, got %d", m.Name, o.instructionLimit)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("compiling %s: %w", m.Name, err)
	}

	depLibs, err := resolveDependencies(m, deps)
	if err != nil {
		return nil, err
	}
	lib := &library{name: m.Name, limit: o.instructionLimit, logger: logger.With(zap.String("library", m.Name))}
	if lib.protos, err = compileSources(m); err != nil {
		return nil, err
	}

	b := meta.NewLibraryBuilder(m.Name, depLibs...)
	d := &declarer{b: b, lib: lib, deps: meta.Module(depLibs), decls: make(map[string]TypeDecl), bound: make(map[string]*meta.BoundType)}
	for _, t := range m.Types {
		d.decls[t.Name] = t
	}
	for _, t := range m.Types {
		d.declare(t.Name, nil)
	}
	for _, st := range lib.types {
		d.members(st)
	}
	if err := b.AddLinkHook(lib); err != nil {
		return nil, err
	}
	built, err := b.Build()
	if err != nil {
		lib.logger.Error("script library failed to bind", zap.Error(err))
		return nil, fmt.Errorf("compiling %s: %w", m.Name, err)
	}
	lib.logger.Debug("script library compiled", zap.Int("types", len(built.Types)), zap.Int("chunks", len(lib.protos)))
	return built, nil
}

func resolveDependencies(m *Manifest, deps meta.Module) ([]*meta.Library, error) {
	var out []*meta.Library
	var missing []string
	for _, name := range m.Dependencies {
		var found *meta.Library
		for _, l := range deps.Closure() {
			if l.Name == name {
				found = l
				break
			}
		}
		if found == nil {
			missing = append(missing, name)
			continue
		}
		out = append(out, found)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("compiling %s: unresolved dependencies [%s]", m.Name, strings.Join(missing, ", "))
	}
	return out, nil
}

func compileSources(m *Manifest) ([]*lua.FunctionProto, error) {
	var protos []*lua.FunctionProto
	for _, src := range m.Sources {
		data, err := os.ReadFile(filepath.Join(m.dir, src))
		if err != nil {
			return nil, fmt.Errorf("compiling %s: reading %q: %w", m.Name, src, err)
		}
		proto, err := compileChunk(data, filepath.ToSlash(src))
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", m.Name, err)
		}
		protos = append(protos, proto)
	}
	if strings.TrimSpace(m.Source) != "" {
		proto, err := compileChunk([]byte(m.Source), m.Name+".lua")
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", m.Name, err)
		}
		protos = append(protos, proto)
	}
	return protos, nil
}

func compileChunk(data []byte, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(data), name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return proto, nil
}

// declarer registers manifest types so that bases declared later in the
// manifest are registered before the types deriving from them.
type declarer struct {
	b     *meta.LibraryBuilder
	lib   *library
	deps  meta.Module
	decls map[string]TypeDecl
	bound map[string]*meta.BoundType
}

func (d *declarer) fail(kind meta.BindingErrorKind, typ, member, format string, args ...any) {
	d.b.Fail(&meta.BindingError{Kind: kind, Type: typ, Member: member, Message: fmt.Sprintf(format, args...)})
}

func (d *declarer) declare(name string, visiting []string) *meta.BoundType {
	if t, ok := d.bound[name]; ok {
		return t
	}
	for _, v := range visiting {
		if v == name {
			d.fail(meta.InvalidMember, name, "", "inheritance cycle %s", strings.Join(append(visiting, name), " -> "))
			d.bound[name] = nil
			return nil
		}
	}
	decl := d.decls[name]
	var base *meta.BoundType
	if decl.Base != "" {
		if _, local := d.decls[decl.Base]; local {
			base = d.declare(decl.Base, append(visiting, name))
		} else if t, ok := d.deps.FindType(decl.Base); ok {
			base = t
		}
		if base == nil {
			d.fail(meta.UnresolvedType, name, "", "base type %s is not bound", decl.Base)
			d.bound[name] = nil
			return nil
		}
	}
	t, err := d.b.RegisterType(name, 0, base, meta.ReferenceType)
	if err != nil {
		var be *meta.BindingError
		if errors.As(err, &be) {
			d.b.Fail(be)
		} else {
			d.fail(meta.InvalidMember, name, "", "%v", err)
		}
		d.bound[name] = nil
		return nil
	}
	// Scripted instances always live on the state's heap, whatever manages the base.
	t.HandleManager = meta.HeapManager
	t.Destructor = destroyObject(t)
	d.bound[name] = t
	d.lib.types = append(d.lib.types, &scriptedType{decl: decl, bound: t})
	return t
}

func (d *declarer) members(st *scriptedType) {
	t := st.bound
	loc := meta.Location{Origin: d.lib.name}
	if err := d.b.AddConstructor(t, nil, false, construct(t)); err != nil {
		d.fail(meta.InvalidMember, t.Name, meta.ConstructorName, "%v", err)
	}
	for _, p := range st.decl.Properties {
		spec := meta.PropertySpec{Name: p.Name, Type: meta.Ref(p.Type), Static: p.Static, Default: normalizeDefault(p)}
		if p.Static {
			spec.Get, spec.Set = staticAccessors(t, p.Name)
		} else {
			spec.Get, spec.Set = fieldAccessors(p.Name)
		}
		if err := d.b.AddProperty(t, spec); err != nil {
			d.fail(meta.InvalidMember, t.Name, p.Name, "%v", err)
		}
	}
	for _, fn := range st.decl.Methods {
		params := make([]meta.TypeRef, len(fn.Params))
		names := make([]string, len(fn.Params))
		for i, p := range fn.Params {
			params[i] = meta.Ref(p.Type)
			names[i] = p.Name
		}
		var ret meta.TypeRef
		if fn.Returns != "" {
			ret = meta.Ref(fn.Returns)
		}
		err := d.b.AddFunction(t, meta.FunctionSpec{
			Name:       fn.Name,
			Params:     params,
			ParamNames: names,
			Return:     ret,
			Static:     fn.Static,
			Virtual:    fn.Virtual,
			Override:   fn.Override,
			Location:   loc,
			Invoke:     d.lib.body(t.Name + "." + fn.BodyName()),
		})
		if err != nil {
			d.fail(meta.InvalidMember, t.Name, fn.Name, "%v", err)
		}
	}
}

// normalizeDefault widens YAML integers given for Real properties.
func normalizeDefault(p PropertyDecl) any {
	if n, ok := p.Default.(int); ok && p.Type == meta.RealType.Name {
		return float64(n)
	}
	return p.Default
}

// construct allocates a scripted object on the calling state's heap with its
// fields set to their defaults.
func construct(t *meta.BoundType) meta.Trampoline {
	return func(f meta.Frame) error {
		state := runtime.CallingState(f.Context())
		if state == nil {
			return fmt.Errorf("constructing %s outside a call", t.Name)
		}
		obj, err := NewObject(t)
		if err != nil {
			return err
		}
		h, err := state.Wrap(t, obj)
		if err != nil {
			return err
		}
		f.SetReturn(h)
		return nil
	}
}

func fieldAccessors(name string) (get, set meta.Trampoline) {
	get = func(f meta.Frame) error {
		obj, err := objectOf(f.This())
		if err != nil {
			return err
		}
		f.SetReturn(retain(obj.Fields[name]))
		return nil
	}
	set = func(f meta.Frame) error {
		obj, err := objectOf(f.This())
		if err != nil {
			return err
		}
		old := obj.Fields[name]
		obj.Fields[name] = retain(f.Arg(0))
		release(old)
		return nil
	}
	return get, set
}

func staticAccessors(owner *meta.BoundType, name string) (get, set meta.Trampoline) {
	lookup := func(f meta.Frame) (*runtime.ExecutableState, *meta.Property, error) {
		state := runtime.CallingState(f.Context())
		if state == nil {
			return nil, nil, fmt.Errorf("static %s.%s accessed outside a call", owner.Name, name)
		}
		p, ok := owner.FindProperty(name)
		if !ok {
			return nil, nil, fmt.Errorf("static %s.%s is not bound", owner.Name, name)
		}
		return state, p, nil
	}
	get = func(f meta.Frame) error {
		state, p, err := lookup(f)
		if err != nil {
			return err
		}
		v, err := state.GetStatic(p)
		if err != nil {
			return err
		}
		f.SetReturn(retain(v))
		return nil
	}
	set = func(f meta.Frame) error {
		state, p, err := lookup(f)
		if err != nil {
			return err
		}
		if err := state.SetStatic(p, f.Arg(0)); err != nil {
			return err
		}
		state.Dispatcher().DispatchContext(f.Context(), event.PropertyChanged, p)
		return nil
	}
	return get, set
}

// body returns the trampoline running the Lua function key ("Type.Body") in
// the calling state's Host.
func (l *library) body(key string) meta.Trampoline {
	return func(f meta.Frame) error {
		h, err := l.hostFor(f)
		if err != nil {
			return err
		}
		return h.invoke(f, key)
	}
}

func (l *library) hostFor(f meta.Frame) (*Host, error) {
	state := runtime.CallingState(f.Context())
	if state == nil {
		return nil, fmt.Errorf("%s called outside a call", f.Function().QualifiedName())
	}
	h, ok := state.Data(l).(*Host)
	if !ok || h == nil {
		return nil, fmt.Errorf("script library %s is not linked into state %s", l.name, state.ID())
	}
	return h, nil
}

// Link implements meta.LinkHook.
func (l *library) Link(mh meta.Host) error {
	state, ok := mh.(*runtime.ExecutableState)
	if !ok {
		return fmt.Errorf("script library %s needs an executable state, got %T", l.name, mh)
	}
	h := newHost(l, state)
	if err := h.load(); err != nil {
		h.close()
		return err
	}
	state.SetData(l, h)
	l.logger.Debug("script host linked", zap.String("state", state.ID()))
	return nil
}

// Unlink implements meta.LinkHook.
func (l *library) Unlink(mh meta.Host) {
	if h, ok := mh.Data(l).(*Host); ok && h != nil {
		h.close()
	}
	mh.SetData(l, nil)
}

// HostOf returns the Host that lib, a compiled script library, runs in state.
func HostOf(state *runtime.ExecutableState, lib *meta.Library) (*Host, bool) {
	if state == nil || lib == nil {
		return nil, false
	}
	for _, hook := range lib.LinkHooks {
		if l, ok := hook.(*library); ok {
			h, ok := state.Data(l).(*Host)
			return h, ok && h != nil
		}
	}
	return nil, false
}
