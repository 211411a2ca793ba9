package server

import (
	"context"
	"fmt"
	"reflect"

	"mini-soa/protocol"
	"mini-soa/rpcctx"
	"mini-soa/rpcerr"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is a Processor over the exported methods of a struct. The header's method
// name picks the method; args and reply use the header's codec.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no suitable methods", srv.name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods keeps methods shaped like
//
//	func (s *T) M(args *Args, reply *Reply) error
//	func (s *T) M(ctx context.Context, args *Args, reply *Reply) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			first = 2
		case mt.NumIn() == 3:
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   first == 2,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) Process(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error {
	rc := rpcctx.MustFromContext(ctx)
	mType, ok := s.method[rc.Header.MethodName]
	if !ok {
		return rpcerr.Errorf(rpcerr.CodeNotNull, "method %s.%s not found", s.name, rc.Header.MethodName)
	}

	argv := reflect.New(mType.ArgType)
	replyv := reflect.New(mType.ReplyType)
	if err := in.Decode(argv.Interface()); err != nil {
		return fmt.Errorf("decode %s.%s args: %w", s.name, mType.method.Name, err)
	}
	if err := s.call(ctx, mType, argv, replyv); err != nil {
		return err
	}
	return out.Encode(replyv.Interface())
}

// call 通过反射调用方法
func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr, argv, replyv}
	if mType.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
