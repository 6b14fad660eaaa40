package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/meta"
)

// frame is one function invocation on a state's call stack.
type frame struct {
	ctx    context.Context
	fn     *meta.Function
	this   any
	args   []any
	ret    any
	retSet bool
}

func (f *frame) Context() context.Context { return f.ctx }
func (f *frame) Function() *meta.Function { return f.fn }
func (f *frame) This() any                { return f.this }
func (f *frame) ArgCount() int            { return len(f.args) }

func (f *frame) Arg(i int) any {
	if i < 0 || i >= len(f.args) {
		return nil
	}
	return f.args[i]
}

func (f *frame) SetReturn(v any) {
	f.ret = v
	f.retSet = true
}

func (s *ExecutableState) push(f *frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

// pop removes f and anything above it.
func (s *ExecutableState) pop(f *frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i] == f {
			clear(s.frames[i:])
			s.frames = s.frames[:i]
			return
		}
	}
}

func (s *ExecutableState) aborted() *Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// setAbort records the first fatal exception of the current chain; every
// frame still on the stack fails with it even if native code swallows it.
func (s *ExecutableState) setAbort(e *Exception) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort == nil {
		s.abort = e
	}
}

func (s *ExecutableState) timeoutException(ctx context.Context, fn *meta.Function) *Exception {
	msg := fmt.Sprintf("call exceeded the timeout of %s", s.Timeout())
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = "call cancelled"
	}
	e := NewException(ctx, ExceptionTimeout, msg, fn.Location, ctx.Err())
	s.setAbort(e)
	return e
}

// invoke runs fn in a new frame. The frame is popped on every path.
func (s *ExecutableState) invoke(ctx context.Context, fn *meta.Function, this any, args []any) (ret any, exc *Exception) {
	if e := s.aborted(); e != nil {
		return nil, e
	}
	if ctx.Err() != nil {
		return nil, s.timeoutException(ctx, fn)
	}
	if s.Depth() >= s.maxDepth {
		e := NewException(ctx, ExceptionStackOverflow,
			fmt.Sprintf("call depth exceeded %d calling %s", s.maxDepth, fn.QualifiedName()), fn.Location, nil)
		return nil, e
	}
	if fn.Virtual && !fn.Static {
		if r, ok := this.(meta.Referent); ok && !r.IsNull() && r.DynamicType().IsRawCastableTo(fn.Owner) {
			fn = r.DynamicType().ResolveVirtual(fn)
		}
	}

	f := &frame{ctx: ctx, fn: fn, this: this, args: args}
	s.push(f)
	s.logger.Debug("frame pushed", zap.String("function", fn.QualifiedName()), zap.Int("depth", s.Depth()))
	defer func() {
		s.pop(f)
		s.logger.Debug("frame popped", zap.String("function", fn.QualifiedName()))
	}()
	defer func() {
		if r := recover(); r != nil {
			ret = nil
			exc = NewException(ctx, ExceptionNative, fmt.Sprintf("panic in %s: %v", fn.QualifiedName(), r), meta.NativeLocation, nil)
		}
	}()

	err := fn.Invoke(f)
	if e := s.aborted(); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, s.exceptionFrom(ctx, fn, err)
	}
	if ctx.Err() != nil {
		return nil, s.timeoutException(ctx, fn)
	}
	return s.returnValue(ctx, f)
}

func (s *ExecutableState) exceptionFrom(ctx context.Context, fn *meta.Function, err error) *Exception {
	if e, ok := AsException(err); ok {
		if e.Kind == ExceptionTimeout {
			s.setAbort(e)
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return s.timeoutException(ctx, fn)
	}
	loc := fn.Location
	if fn.Native {
		loc = meta.NativeLocation
	}
	return NewException(ctx, ExceptionNative, err.Error(), loc, err)
}

func (s *ExecutableState) returnValue(ctx context.Context, f *frame) (any, *Exception) {
	rt := f.fn.Return
	if rt == nil || rt == meta.VoidType {
		return nil, nil
	}
	if !f.retSet {
		return meta.ZeroValue(rt), nil
	}
	v, ok := meta.Coerce(rt, f.ret)
	if !ok {
		return nil, NewException(ctx, ExceptionNative,
			fmt.Sprintf("%s returned %T, want %s", f.fn.QualifiedName(), f.ret, rt), meta.NativeLocation, nil)
	}
	return v, nil
}
